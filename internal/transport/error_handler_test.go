package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: fmt.Errorf("%w: account is required", domain.ErrValidation), want: 400},
		{name: "not found", err: fmt.Errorf("%w: cannot retrieve attestation", domain.ErrNotFound), want: 404},
		{name: "window closed", err: fmt.Errorf("%w: too late", domain.ErrRerequestWindowClosed), want: 422},
		{name: "attempts exceeded", err: domain.ErrAttemptsExceeded, want: 422},
		{name: "drift", err: fmt.Errorf("%w: provider nexmo", domain.ErrConfigurationDrift), want: 500},
		{name: "fiber error", err: fiber.NewError(fiber.StatusMethodNotAllowed, "nope"), want: 405},
		{name: "unknown", err: errors.New("boom"), want: 500},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := StatusCode(tt.err); got != tt.want {
				t.Fatalf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorHandlerWritesJSONAndLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
	app.Get("/fail", func(c *fiber.Ctx) error {
		return domain.ErrAttemptsExceeded
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/fail", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if body["success"] != false {
		t.Fatalf("success = %v, want false", body["success"])
	}
	if body["error"] != "delivery attempts exceeded" {
		t.Fatalf("error = %v", body["error"])
	}

	entries := logs.FilterMessage("request error").All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Fatalf("log entries = %+v, want one warn entry", entries)
	}
}
