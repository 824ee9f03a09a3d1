package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// DeviceSignals are the stable client attributes that make up a device
// fingerprint.
type DeviceSignals struct {
	UserAgent string
	Language  string
	IP        string
}

// Fingerprint derives the storage hash for a set of signals. Raw signals
// never persist.
func (d DeviceSignals) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.UserAgent + "\n" + d.Language + "\n" + d.IP))
	return hex.EncodeToString(sum[:])
}

// DeviceService maintains the trusted-device registry used to skip
// second-factor prompts on familiar devices.
type DeviceService struct {
	devices   repository.DeviceRepository
	snowflake *snowflake.Node
	recorder  audit.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	trustTTL  time.Duration
}

// NewDeviceService wires dependencies.
func NewDeviceService(devices repository.DeviceRepository, node *snowflake.Node, recorder audit.Recorder, logger *zap.Logger, trustTTL time.Duration) *DeviceService {
	return &DeviceService{
		devices:   devices,
		snowflake: node,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:       time.Now,
		trustTTL:  trustTTL,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *DeviceService) WithClock(now func() time.Time) *DeviceService {
	s.now = now
	return s
}

// Trust marks the caller's current device as trusted until now+TTL. Trust
// only ever extends: re-trusting never shortens an existing window.
func (s *DeviceService) Trust(ctx context.Context, userID int64, signals DeviceSignals) (domain.TrustedDevice, error) {
	ctx, span := s.startSpan(ctx, "DeviceService.Trust")
	defer span.End()

	device := domain.TrustedDevice{
		ID:              s.snowflake.Generate().Int64(),
		UserID:          userID,
		FingerprintHash: signals.Fingerprint(),
		TrustedUntil:    s.now().Add(s.trustTTL),
	}
	stored, err := s.devices.Upsert(ctx, device)
	if err != nil {
		span.RecordError(err)
		return domain.TrustedDevice{}, apperr.Upstream("trust device", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: userID, Action: "device.trusted",
		ResourceType: "device", ResourceID: snowflakeString(stored.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"trusted_until": stored.TrustedUntil},
	})
	return stored, nil
}

// IsTrusted reports whether the device is inside its trust window. It is a
// pure read; an expired row is reported untrusted but left in place.
func (s *DeviceService) IsTrusted(ctx context.Context, userID int64, signals DeviceSignals) (bool, error) {
	ctx, span := s.startSpan(ctx, "DeviceService.IsTrusted")
	defer span.End()

	device, err := s.devices.Get(ctx, userID, signals.Fingerprint())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		span.RecordError(err)
		return false, apperr.Upstream("check device trust", err)
	}
	return s.now().Before(device.TrustedUntil), nil
}

func (s *DeviceService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
