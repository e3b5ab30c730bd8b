package handler

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/attestation-engine/internal/provider"
	"go.uber.org/zap"
)

type DeliveryReporter interface {
	OnDeliveryReport(ctx context.Context, report provider.DeliveryReport) error
}

// RegisterDeliveryStatusRoutes mounts one webhook per provider that can
// report delivery status. Both GET and POST are accepted since some
// providers deliver receipts as query strings.
func RegisterDeliveryStatusRoutes(router fiber.Router, providers []provider.Provider, reporter DeliveryReporter, logger *zap.Logger) error {
	if reporter == nil {
		return fmt.Errorf("delivery reporter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, p := range providers {
		parser, ok := p.(provider.DeliveryStatusParser)
		if !ok || !p.SupportsDeliveryStatus() {
			continue
		}

		handler := deliveryStatusHandler(p.Type(), parser, reporter, logger)
		path := provider.DeliveryStatusPath(p.Type())
		router.Post(path, handler)
		router.Get(path, handler)
	}
	return nil
}

func deliveryStatusHandler(t provider.Type, parser provider.DeliveryStatusParser, reporter DeliveryReporter, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		form := url.Values{}
		collect := func(k, v []byte) { form.Add(string(k), string(v)) }
		c.Request().URI().QueryArgs().VisitAll(collect)
		if c.Method() == fiber.MethodPost {
			c.Request().PostArgs().VisitAll(collect)
		}

		report, err := parser.ParseDeliveryStatus(form, c.Body())
		if err != nil {
			logger.Warn("unparseable delivery status",
				zap.String("provider", t.String()),
				zap.Error(err),
			)
			return err
		}

		if err := reporter.OnDeliveryReport(requestContext(c), report); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
