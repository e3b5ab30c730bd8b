package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"github.com/kursadbilgin/attestation-engine/internal/observability"
	"github.com/kursadbilgin/attestation-engine/internal/phone"
	"github.com/kursadbilgin/attestation-engine/internal/provider"
	"github.com/kursadbilgin/attestation-engine/internal/service"
)

type AttestationService interface {
	StartSend(ctx context.Context, req service.SendRequest) (*domain.Attestation, error)
	ForceResend(ctx context.Context, req service.ResendRequest) (*domain.Attestation, error)
	Get(ctx context.Context, key domain.AttestationKey) (*domain.Attestation, error)
}

type AttestationHandler struct {
	service  AttestationService
	validate *validator.Validate
}

func NewAttestationHandler(service AttestationService, validate *validator.Validate) (*AttestationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("attestation service is required")
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &AttestationHandler{service: service, validate: validate}, nil
}

func RegisterAttestationRoutes(router fiber.Router, service AttestationService, validate *validator.Validate) error {
	h, err := NewAttestationHandler(service, validate)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/attestations", h.SendAttestation)
	v1.Post("/attestations/rerequest", h.RerequestAttestation)
	v1.Get("/attestations", h.GetAttestation)

	return nil
}

// Limits in validate tags mirror the domain.Max*Length column widths.
type attestationKeyRequest struct {
	Account    string `json:"account" query:"account" validate:"required,max=64"`
	Identifier string `json:"identifier" query:"identifier" validate:"required,max=128"`
	Issuer     string `json:"issuer" query:"issuer" validate:"required,max=64"`
}

func (r attestationKeyRequest) key() domain.AttestationKey {
	return domain.AttestationKey{
		Account:    strings.TrimSpace(r.Account),
		Identifier: strings.TrimSpace(r.Identifier),
		Issuer:     strings.TrimSpace(r.Issuer),
	}
}

type sendAttestationRequest struct {
	attestationKeyRequest
	PhoneNumber        string `json:"phoneNumber" validate:"required,e164"`
	Message            string `json:"message" validate:"required,max=1600"`
	SecurityCode       string `json:"securityCode" validate:"omitempty,max=16"`
	AttestationCode    string `json:"attestationCode" validate:"omitempty,max=255"`
	AppSignature       string `json:"appSignature" validate:"omitempty,max=64"`
	Language           string `json:"language" validate:"omitempty,max=16"`
	OnlyUseProvider    string `json:"onlyUseProvider" validate:"omitempty,max=32"`
	SecurityCodePrefix string `json:"securityCodePrefix" validate:"omitempty,max=8"`
}

type rerequestAttestationRequest struct {
	attestationKeyRequest
	AppSignature       string `json:"appSignature" validate:"omitempty,max=64"`
	Language           string `json:"language" validate:"omitempty,max=16"`
	SecurityCodePrefix string `json:"securityCodePrefix" validate:"omitempty,max=8"`
}

type attestationErrorResponse struct {
	Provider   string    `json:"provider,omitempty"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error"`
	RecordedAt time.Time `json:"recordedAt"`
}

type attestationResponse struct {
	Success     bool                       `json:"success"`
	ID          string                     `json:"id"`
	Account     string                     `json:"account"`
	Identifier  string                     `json:"identifier"`
	Issuer      string                     `json:"issuer"`
	PhoneNumber string                     `json:"phoneNumber"`
	CountryCode string                     `json:"countryCode,omitempty"`
	Status      string                     `json:"status"`
	Outcome     string                     `json:"outcome"`
	Terminal    bool                       `json:"terminal"`
	Provider    string                     `json:"provider,omitempty"`
	Providers   []string                   `json:"providers"`
	Attempt     int                        `json:"attempt"`
	Errors      []attestationErrorResponse `json:"errors"`
	CompletedAt *time.Time                 `json:"completedAt,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt,omitempty"`
	UpdatedAt   time.Time                  `json:"updatedAt,omitempty"`
}

// SendAttestation starts delivery for a new key. A key that already has a
// record is treated as a re-request.
func (h *AttestationHandler) SendAttestation(c *fiber.Ctx) error {
	var req sendAttestationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return validationError(err)
	}

	ctx := requestContext(c)
	key := req.key()

	if _, err := h.service.Get(ctx, key); err == nil {
		attestation, err := h.service.ForceResend(ctx, service.ResendRequest{
			Key:                key,
			AppSignature:       req.AppSignature,
			Language:           req.Language,
			SecurityCodePrefix: req.SecurityCodePrefix,
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusOK).JSON(toAttestationResponse(attestation))
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	attestation, err := h.service.StartSend(ctx, service.SendRequest{
		Key:             key,
		PhoneNumber:     req.PhoneNumber,
		Message:         req.Message,
		SecurityCode:    req.SecurityCode,
		AttestationCode: req.AttestationCode,
		AppSignature:    req.AppSignature,
		Language:        req.Language,
		OnlyUseProvider: provider.Type(strings.ToLower(strings.TrimSpace(req.OnlyUseProvider))),
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(toAttestationResponse(attestation))
}

func (h *AttestationHandler) RerequestAttestation(c *fiber.Ctx) error {
	var req rerequestAttestationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return validationError(err)
	}

	attestation, err := h.service.ForceResend(requestContext(c), service.ResendRequest{
		Key:                req.key(),
		AppSignature:       req.AppSignature,
		Language:           req.Language,
		SecurityCodePrefix: req.SecurityCodePrefix,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toAttestationResponse(attestation))
}

func (h *AttestationHandler) GetAttestation(c *fiber.Ctx) error {
	var req attestationKeyRequest
	if err := c.QueryParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return validationError(err)
	}

	attestation, err := h.service.Get(requestContext(c), req.key())
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toAttestationResponse(attestation))
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(msgs, ", "))
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toAttestationResponse(a *domain.Attestation) attestationResponse {
	errs := make([]attestationErrorResponse, 0, len(a.Errors))
	for _, e := range a.Errors {
		errs = append(errs, attestationErrorResponse{
			Provider:   e.ProviderType,
			Attempt:    e.Attempt,
			Error:      e.Message,
			RecordedAt: e.RecordedAt,
		})
	}

	providers := a.Providers
	if providers == nil {
		providers = []string{}
	}

	outcome := a.Outcome()
	return attestationResponse{
		Success:     true,
		ID:          a.ID,
		Account:     a.Key.Account,
		Identifier:  a.Key.Identifier,
		Issuer:      a.Key.Issuer,
		PhoneNumber: phone.Obfuscate(a.PhoneNumber),
		CountryCode: a.CountryCode,
		Status:      a.Status.String(),
		Outcome:     outcome.String(),
		Terminal:    outcome.IsTerminal(),
		Provider:    a.CurrentProvider(),
		Providers:   providers,
		Attempt:     a.Attempt,
		Errors:      errs,
		CompletedAt: a.CompletedAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}
