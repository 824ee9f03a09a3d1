package audit

import (
	"context"

	"go.uber.org/zap"
)

// Entry is one security-relevant event. Failures to record never surface to
// the request path.
type Entry struct {
	Actor        int64
	TenantID     int64
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Detail       map[string]any
	IP           string
	UserAgent    string
}

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Recorder sinks audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// ZapRecorder writes entries to the structured log under a dedicated
// "audit" namespace, where the log shipper picks them up.
type ZapRecorder struct {
	logger *zap.Logger
}

func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	return &ZapRecorder{logger: logger.Named("audit")}
}

var _ Recorder = (*ZapRecorder)(nil)

func (r *ZapRecorder) Record(_ context.Context, entry Entry) {
	fields := []zap.Field{
		zap.Int64("actor", entry.Actor),
		zap.String("action", entry.Action),
		zap.String("outcome", entry.Outcome),
	}
	if entry.TenantID != 0 {
		fields = append(fields, zap.Int64("tenant_id", entry.TenantID))
	}
	if entry.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", entry.ResourceType), zap.String("resource_id", entry.ResourceID))
	}
	if len(entry.Detail) > 0 {
		fields = append(fields, zap.Any("detail", entry.Detail))
	}
	if entry.IP != "" {
		fields = append(fields, zap.String("ip", entry.IP))
	}
	if entry.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", entry.UserAgent))
	}
	r.logger.Info(entry.Action, fields...)
}

// NopRecorder discards entries. Used in tests.
type NopRecorder struct{}

var _ Recorder = (*NopRecorder)(nil)

func (NopRecorder) Record(context.Context, Entry) {}
