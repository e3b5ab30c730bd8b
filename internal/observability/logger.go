package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"github.com/kursadbilgin/attestation-engine/internal/phone"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "attestation-engine"

type correlationIDKey struct{}

// NewLogger builds a JSON production logger. Sampling is off so repeated
// provider failures for one attestation are all kept.
func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(parsedLevel),
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		InitialFields:     map[string]any{"service": serviceName},
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		return zapcore.InfoLevel, nil
	}

	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		return logger
	}

	return logger.With(zap.String("correlationId", correlationID))
}

// AttestationFields describes a record for logs. The phone number is
// always obfuscated.
func AttestationFields(a *domain.Attestation) []zap.Field {
	if a == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("account", a.Key.Account),
		zap.String("identifier", a.Key.Identifier),
		zap.String("issuer", a.Key.Issuer),
		zap.String("phoneNumber", phone.Obfuscate(a.PhoneNumber)),
		zap.String("countryCode", a.CountryCode),
		zap.String("status", a.Status.String()),
		zap.Int("attempt", a.Attempt),
	}
	if provider := a.CurrentProvider(); provider != "" {
		fields = append(fields, zap.String("provider", provider))
	}
	if id := a.DeliveryID(); id != "" {
		fields = append(fields, zap.String("deliveryId", id))
	}
	return fields
}
