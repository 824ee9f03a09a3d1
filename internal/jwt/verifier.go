package jwt

import (
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Identity is the caller extracted from an upstream session token.
type Identity struct {
	UserID int64
	Email  string
}

// sessionClaims is the JWT payload the identity provider signs.
type sessionClaims struct {
	gojwt.Claims
	Email string `json:"email"`
}

// Verifier validates session tokens minted by the upstream identity
// provider. The key is shared HMAC; rotation happens out of band.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{key: []byte(secret), issuer: issuer, now: time.Now}
}

// WithClock overrides the validation clock. Used in tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the signature, issuer, and expiry, and returns the caller
// identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	tok, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}

	var claims sessionClaims
	if err := tok.Claims(v.key, &claims); err != nil {
		return Identity{}, fmt.Errorf("verify session token: %w", err)
	}

	expected := gojwt.Expected{Time: v.now()}
	if v.issuer != "" {
		expected.Issuer = v.issuer
	}
	if err := claims.Validate(expected); err != nil {
		return Identity{}, fmt.Errorf("validate session claims: %w", err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("parse subject: %w", err)
	}
	return Identity{UserID: userID, Email: claims.Email}, nil
}

// Sign mints a token with the verifier's key. Only tests use it; production
// tokens come from the identity provider.
func (v *Verifier) Sign(identity Identity, ttl time.Duration) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: v.key},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("build signer: %w", err)
	}
	now := v.now()
	claims := sessionClaims{
		Claims: gojwt.Claims{
			Subject:  strconv.FormatInt(identity.UserID, 10),
			Issuer:   v.issuer,
			IssuedAt: gojwt.NewNumericDate(now),
			Expiry:   gojwt.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
	}
	return gojwt.Signed(signer).Claims(claims).Serialize()
}
