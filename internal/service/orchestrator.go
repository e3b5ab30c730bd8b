package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"github.com/kursadbilgin/attestation-engine/internal/observability"
	"github.com/kursadbilgin/attestation-engine/internal/phone"
	"github.com/kursadbilgin/attestation-engine/internal/provider"
	"github.com/kursadbilgin/attestation-engine/internal/ratelimit"
	"github.com/kursadbilgin/attestation-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxDeliveryAttempts = 3
	defaultMaxRerequestAge     = 55 * time.Minute
	defaultBackoffUnit         = time.Second
	defaultMaxSyncBackoff      = 30 * time.Second
	defaultMaxRateLimitWait    = 2 * time.Second

	// legacySecurityCodeLength is the length of codes stored before the
	// prefix was persisted alongside them.
	legacySecurityCodeLength = 7
	maxBackoffExponent       = 20
)

type OrchestratorConfig struct {
	MaxDeliveryAttempts int
	MaxRerequestAge     time.Duration
	MaxErrorLength      int
	SyncBackoffUnit     time.Duration
	AsyncBackoffUnit    time.Duration
	// MaxSyncBackoff bounds the total time a caller waits on retries. Retries
	// past the bound continue on the async scheduler.
	MaxSyncBackoff time.Duration
	// MaxRateLimitWait bounds how long a send waits for a rate limiter slot.
	// The wait happens with the record's row lock held.
	MaxRateLimitWait time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = defaultMaxDeliveryAttempts
	}
	if c.MaxRerequestAge <= 0 {
		c.MaxRerequestAge = defaultMaxRerequestAge
	}
	if c.MaxErrorLength <= 0 {
		c.MaxErrorLength = domain.DefaultMaxErrorLength
	}
	if c.SyncBackoffUnit <= 0 {
		c.SyncBackoffUnit = defaultBackoffUnit
	}
	if c.AsyncBackoffUnit <= 0 {
		c.AsyncBackoffUnit = defaultBackoffUnit
	}
	if c.MaxSyncBackoff <= 0 {
		c.MaxSyncBackoff = defaultMaxSyncBackoff
	}
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = defaultMaxRateLimitWait
	}
	return c
}

// RetryScheduler hands a delivery attempt to a later runner. Implementations
// call Orchestrator.Reattempt once delay has passed.
type RetryScheduler interface {
	Schedule(ctx context.Context, job domain.ReattemptJob, delay time.Duration) error
}

type SendRequest struct {
	Key             domain.AttestationKey
	PhoneNumber     string
	Message         string
	SecurityCode    string
	AttestationCode string
	AppSignature    string
	Language        string
	// OnlyUseProvider restricts the eligible list to one provider type.
	OnlyUseProvider provider.Type
}

func (r SendRequest) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return fmt.Errorf("%w: phone number is required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if r.OnlyUseProvider != "" && !r.OnlyUseProvider.IsValid() {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, r.OnlyUseProvider)
	}
	return checkLengths(
		lengthCheck{"phone number", r.PhoneNumber, domain.MaxPhoneNumberLength},
		lengthCheck{"security code", r.SecurityCode, domain.MaxSecurityCodeLength},
		lengthCheck{"attestation code", r.AttestationCode, domain.MaxAttestationCodeLength},
		lengthCheck{"app signature", r.AppSignature, domain.MaxAppSignatureLength},
		lengthCheck{"language", r.Language, domain.MaxLanguageLength},
	)
}

type ResendRequest struct {
	Key                domain.AttestationKey
	AppSignature       string
	Language           string
	SecurityCodePrefix string
}

func (r ResendRequest) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	return checkLengths(
		lengthCheck{"app signature", r.AppSignature, domain.MaxAppSignatureLength},
		lengthCheck{"language", r.Language, domain.MaxLanguageLength},
		lengthCheck{"security code prefix", r.SecurityCodePrefix, domain.MaxSecurityCodeLength - legacySecurityCodeLength},
	)
}

type lengthCheck struct {
	field string
	value string
	limit int
}

func checkLengths(checks ...lengthCheck) error {
	for _, c := range checks {
		if err := domain.CheckLength(c.field, c.value, c.limit); err != nil {
			return err
		}
	}
	return nil
}

// Orchestrator drives attestation records through delivery. Every state
// change happens while the record's lock is held.
type Orchestrator struct {
	store       repository.AttestationStore
	selector    *provider.Selector
	scheduler   RetryScheduler
	rateLimiter ratelimit.RateLimiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	cfg         OrchestratorConfig
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	store repository.AttestationStore,
	selector *provider.Selector,
	scheduler RetryScheduler,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("attestation store is required")
	}
	if selector == nil {
		return nil, fmt.Errorf("provider selector is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		store:     store,
		selector:  selector,
		scheduler: scheduler,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepWithContext,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetRateLimiter makes every provider send wait for a slot first.
func (o *Orchestrator) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if o == nil {
		return
	}
	o.rateLimiter = limiter
}

// Get returns the current record without locking it.
func (o *Orchestrator) Get(ctx context.Context, key domain.AttestationKey) (*domain.Attestation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return o.store.FindByKey(ctx, key)
}

// StartSend creates the record for req.Key and makes the first delivery
// attempt. Failed attempts are retried on the caller's path with
// exponential backoff. A key that already has a record is returned as is.
func (o *Orchestrator) StartSend(ctx context.Context, req SendRequest) (*domain.Attestation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := observability.WithContextLogger(o.logger, ctx)

	var (
		record *domain.Attestation
		retry  bool
	)
	err := o.store.WithinLock(ctx, func(tx repository.AttestationTx) error {
		countryCode, parsed := phone.CountryCode(req.PhoneNumber)

		var eligible []provider.Provider
		if parsed {
			eligible = provider.Only(o.selector.EligibleProviders(countryCode, req.PhoneNumber), req.OnlyUseProvider)
		}

		current, created, err := tx.FindOrCreate(ctx, &domain.Attestation{
			Key:             req.Key,
			PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
			CountryCode:     countryCode,
			Message:         req.Message,
			SecurityCode:    domain.StringPtr(req.SecurityCode),
			AttestationCode: domain.StringPtr(req.AttestationCode),
			AppSignature:    domain.StringPtr(req.AppSignature),
			Language:        domain.StringPtr(req.Language),
			Providers:       provider.TypeNames(eligible),
			Attempt:         0,
			Status:          domain.StatusNotSent,
		})
		if err != nil {
			return fmt.Errorf("find or create attestation: %w", err)
		}
		record = current

		if !created {
			logger.Info("attestation already exists, not sending again", observability.AttestationFields(current)...)
			return nil
		}

		switch {
		case !parsed:
			o.metrics.IncUnableToServe("unknown")
			current.RecordError("", "Could not parse "+phone.Obfuscate(req.PhoneNumber), o.cfg.MaxErrorLength, o.now())
			current.MarkCompleted(o.now())
		case len(eligible) == 0:
			o.metrics.IncUnableToServe(countryCode)
			current.RecordError("", "No matching SMS providers", o.cfg.MaxErrorLength, o.now())
			current.MarkCompleted(o.now())
		default:
			o.metrics.IncRequestByNumberType(countryCode, phone.NumberType(req.PhoneNumber))
			retry = o.attemptDelivery(ctx, current, eligible)
		}

		return tx.Save(ctx, current)
	})
	if err != nil {
		logger.Error("start send failed", zap.String("key", req.Key.String()), zap.Error(err))
		return nil, err
	}

	return o.retrySync(ctx, record, retry)
}

// ForceResend re-requests delivery of an existing record on the next
// provider in its frozen list. Rejections leave the record untouched.
func (o *Orchestrator) ForceResend(ctx context.Context, req ResendRequest) (*domain.Attestation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := observability.WithContextLogger(o.logger, ctx)

	var (
		record *domain.Attestation
		retry  bool
	)
	err := o.store.WithinLock(ctx, func(tx repository.AttestationTx) error {
		current, err := tx.FindByKey(ctx, req.Key, true)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: cannot retrieve attestation %s", domain.ErrNotFound, req.Key)
			}
			return err
		}

		if current.AppSignature == nil {
			current.AppSignature = domain.StringPtr(req.AppSignature)
		}
		if current.Language == nil {
			current.Language = domain.StringPtr(req.Language)
		}
		if current.SecurityCode != nil && len(*current.SecurityCode) == legacySecurityCodeLength && req.SecurityCodePrefix != "" {
			prefixed := req.SecurityCodePrefix + *current.SecurityCode
			current.SecurityCode = &prefixed
		}

		now := o.now()
		if current.CompletedAt != nil && now.Sub(*current.CompletedAt) >= o.cfg.MaxRerequestAge {
			o.metrics.IncAlreadySent()
			return domain.ErrRerequestWindowClosed
		}

		current.RecordError(current.CurrentProvider(), "Rerequested when status was "+current.Status.String(), o.cfg.MaxErrorLength, now)
		current.Status = domain.StatusNotSent
		current.OngoingDeliveryID = nil
		current.CompletedAt = nil
		current.Attempt++

		if current.Attempt >= o.cfg.MaxDeliveryAttempts {
			o.metrics.IncAlreadySent()
			return domain.ErrAttemptsExceeded
		}

		providers, err := o.selector.ValidatedSubsetFor(current)
		if err != nil {
			o.metrics.IncConfigDrift()
			return err
		}

		retry = o.deliverOrComplete(ctx, current, providers)
		record = current
		return tx.Save(ctx, current)
	})
	if err != nil {
		logger.Warn("force resend rejected", zap.String("key", req.Key.String()), zap.Error(err))
		return nil, err
	}

	return o.retrySync(ctx, record, retry)
}

// OnDeliveryReport applies a provider status callback. Reports that do not
// advance the record's status are ignored, so replays and out-of-order
// callbacks are harmless. A failed delivery schedules the next attempt
// without blocking the caller.
func (o *Orchestrator) OnDeliveryReport(ctx context.Context, report provider.DeliveryReport) error {
	if strings.TrimSpace(report.DeliveryID) == "" {
		return nil
	}
	logger := observability.WithContextLogger(o.logger, ctx).With(zap.String("deliveryId", report.DeliveryID))

	var (
		key          domain.AttestationKey
		retryAttempt int
		retry        bool
	)
	err := o.store.WithinLock(ctx, func(tx repository.AttestationTx) error {
		current, err := tx.FindByOngoingDeliveryID(ctx, report.DeliveryID, true)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("delivery report for unknown or settled delivery id")
			return nil
		}
		if err != nil {
			return err
		}

		if !report.Status.Supersedes(current.Status) {
			return nil
		}

		providerName := current.CurrentProvider()
		logger.Info("received delivery status",
			zap.String("provider", providerName),
			zap.String("status", report.Status.String()),
			zap.Stringp("errorCode", report.ErrorCode),
		)

		current.Status = report.Status
		o.metrics.IncDeliveryStatus(providerName, current.CountryCode, report.Status.String())
		if report.ErrorCode != nil {
			o.metrics.IncDeliveryErrorCode(providerName, current.CountryCode, *report.ErrorCode)
		}

		switch report.Status {
		case domain.StatusFailed:
			message := "Failed"
			if report.ErrorCode != nil {
				message = *report.ErrorCode
			}
			current.RecordError(providerName, message, o.cfg.MaxErrorLength, o.now())
			current.OngoingDeliveryID = nil
			current.Attempt++

			if current.Attempt >= o.cfg.MaxDeliveryAttempts {
				current.MarkCompleted(o.now())
				o.metrics.IncFailedToDeliver(providerName, current.CountryCode)
				logger.Info("final failure to deliver", observability.AttestationFields(current)...)
			} else {
				retry = true
				key = current.Key
				retryAttempt = current.Attempt
			}
		case domain.StatusDelivered:
			current.MarkCompleted(o.now())
			current.OngoingDeliveryID = nil
			o.metrics.IncBelievedDelivered(providerName, current.CountryCode)
		}

		return tx.Save(ctx, current)
	})
	if err != nil {
		logger.Error("delivery report processing failed", zap.Error(err))
		return err
	}

	if retry {
		o.scheduleReattempt(ctx, key, retryAttempt)
	}
	return nil
}

// retrySync keeps retrying on the caller's path while the cumulative
// backoff stays within MaxSyncBackoff, then hands off to the scheduler.
func (o *Orchestrator) retrySync(ctx context.Context, record *domain.Attestation, retry bool) (*domain.Attestation, error) {
	var waited time.Duration
	for retry {
		delay := backoff(record.Attempt, o.cfg.SyncBackoffUnit)
		if waited+delay > o.cfg.MaxSyncBackoff {
			o.scheduleReattempt(ctx, record.Key, record.Attempt)
			return record, nil
		}

		o.metrics.IncRetryScheduled("sync")
		if err := o.sleep(ctx, delay); err != nil {
			o.scheduleReattempt(context.WithoutCancel(ctx), record.Key, record.Attempt)
			return nil, fmt.Errorf("waiting to retry delivery: %w", err)
		}
		waited += delay

		next, again, err := o.reattemptLocked(ctx, record.Key, record.Attempt)
		if err != nil {
			return nil, err
		}
		record, retry = next, again
	}
	return record, nil
}

// Reattempt runs a scheduled delivery attempt and schedules the next one
// when it fails. Stale jobs, purged records and drifted configuration are
// logged and dropped so queue consumers do not redeliver them.
func (o *Orchestrator) Reattempt(ctx context.Context, job domain.ReattemptJob) error {
	logger := observability.WithContextLogger(o.logger, ctx).With(
		zap.String("key", job.Key.String()),
		zap.Int("attempt", job.Attempt),
	)

	record, retry, err := o.reattemptLocked(ctx, job.Key, job.Attempt)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("scheduled attempt for missing attestation dropped")
		return nil
	case errors.Is(err, domain.ErrConfigurationDrift):
		logger.Error("scheduled attempt dropped", zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	if retry {
		o.scheduleReattempt(ctx, record.Key, record.Attempt)
	}
	return nil
}

func (o *Orchestrator) scheduleReattempt(ctx context.Context, key domain.AttestationKey, attempt int) {
	delay := backoff(attempt, o.cfg.AsyncBackoffUnit)
	o.metrics.IncRetryScheduled("async")

	job := domain.ReattemptJob{Key: key, Attempt: attempt}
	if err := o.scheduler.Schedule(ctx, job, delay); err != nil {
		observability.WithContextLogger(o.logger, ctx).Error("failed to schedule delivery attempt",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

// reattemptLocked makes the next delivery attempt for key. It does nothing
// when the record completed, has a delivery in flight, or already moved past
// expectedAttempt.
func (o *Orchestrator) reattemptLocked(ctx context.Context, key domain.AttestationKey, expectedAttempt int) (*domain.Attestation, bool, error) {
	var (
		record *domain.Attestation
		retry  bool
	)
	err := o.store.WithinLock(ctx, func(tx repository.AttestationTx) error {
		current, err := tx.FindByKey(ctx, key, true)
		if err != nil {
			return err
		}
		record = current

		if current.CompletedAt != nil || current.OngoingDeliveryID != nil || current.Attempt != expectedAttempt {
			return nil
		}

		providers, err := o.selector.ValidatedSubsetFor(current)
		if err != nil {
			o.metrics.IncConfigDrift()
			return err
		}

		retry = o.deliverOrComplete(ctx, current, providers)
		return tx.Save(ctx, current)
	})
	if err != nil {
		return nil, false, err
	}
	return record, retry, nil
}

// deliverOrComplete guards attemptDelivery against records that never had
// an eligible provider.
func (o *Orchestrator) deliverOrComplete(ctx context.Context, a *domain.Attestation, providers []provider.Provider) bool {
	if len(providers) == 0 {
		a.RecordError("", "No matching SMS providers", o.cfg.MaxErrorLength, o.now())
		a.MarkCompleted(o.now())
		return false
	}
	return o.attemptDelivery(ctx, a, providers)
}

// attemptDelivery sends through providers[attempt % len] and reports
// whether another attempt should follow.
// waitForSendSlot runs under the record lock, so the wait is capped at
// MaxRateLimitWait. A slot that does not open in time is not fatal.
func (o *Orchestrator) waitForSendSlot(ctx context.Context, providerName string) error {
	if o.rateLimiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxRateLimitWait)
	defer cancel()
	return o.rateLimiter.Wait(waitCtx, providerName)
}

func (o *Orchestrator) attemptDelivery(ctx context.Context, a *domain.Attestation, providers []provider.Provider) bool {
	p := providers[a.Attempt%len(providers)]
	providerName := p.Type().String()
	logger := observability.WithContextLogger(o.logger, ctx).With(
		zap.String("provider", providerName),
		zap.Int("attempt", a.Attempt),
	)

	if err := o.waitForSendSlot(ctx, providerName); err != nil {
		logger.Warn("no rate limit slot, sending anyway", zap.Error(err))
	}

	logger.Info("attempting to send sms", zap.String("phoneNumber", phone.Obfuscate(a.PhoneNumber)))
	start := o.now()
	deliveryID, err := p.SendSMS(ctx, a)
	if err == nil && strings.TrimSpace(deliveryID) == "" {
		err = fmt.Errorf("%s returned an empty delivery id", providerName)
	}

	if err == nil {
		o.metrics.ObserveSend(providerName, "ok", o.now().Sub(start))
		a.Status = domain.StatusSent
		a.OngoingDeliveryID = &deliveryID
		o.metrics.IncDeliveryStatus(providerName, a.CountryCode, domain.StatusSent.String())
		logger.Info("sent sms", zap.String("deliveryId", deliveryID))
		return false
	}

	o.metrics.ObserveSend(providerName, "error", o.now().Sub(start))
	if code := provider.ErrorCode(err); code != "" {
		o.metrics.IncDeliveryErrorCode(providerName, a.CountryCode, code)
	}

	a.Status = domain.StatusNotSent
	a.RecordError(providerName, err.Error(), o.cfg.MaxErrorLength, o.now())
	a.OngoingDeliveryID = nil
	a.Attempt++

	logger.Info("sms creation failed",
		zap.Bool("transient", provider.IsTransient(err)),
		zap.String("error", a.LastError()),
	)

	if a.Attempt >= o.cfg.MaxDeliveryAttempts {
		a.MarkCompleted(o.now())
		o.metrics.IncFailedToDeliver(providerName, a.CountryCode)
		logger.Info("final failure to send")
		return false
	}
	return true
}

func backoff(attempt int, unit time.Duration) time.Duration {
	attempt = min(max(attempt, 0), maxBackoffExponent)
	return unit * time.Duration(1<<attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
