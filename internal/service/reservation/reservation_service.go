package reservation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Domenick1991/staysync/internal/adapter"
	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ReservationUseCase interface {
	CheckAndReserve(ctx context.Context, input ReserveInput) (*domain.Decision, error)
	Confirm(ctx context.Context, ref string) (domain.BlockedRange, error)
	Cancel(ctx context.Context, ref string) (bool, error)
	ExpireHolds(ctx context.Context) ([]domain.BlockedRange, error)
	QueryBlocks(ctx context.Context, propertyID string, window domain.Interval) ([]domain.Interval, error)
	QueryFree(ctx context.Context, propertyID string, window domain.Interval) ([]domain.Interval, error)
	Track(ctx context.Context, rec domain.BookingRecord) error
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type ReserveInput struct {
	PropertyID string             `json:"property_id" validate:"required"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Guests     int                `json:"guests" validate:"gt=0"`
	Mode       domain.ReserveMode `json:"mode" validate:"omitempty,oneof=INSTANT HOLD"`
}

type ReservationService struct {
	manager            *availability.Manager
	producer           Producer
	topic              string
	notificationsTopic string
	holdTTL            time.Duration
	maxNights          int
	defaultMode        domain.ReserveMode

	validate *validator.Validate
	now      func() time.Time
	newRef   func() string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

type ReservationServiceOption func(*ReservationService)

func WithNotificationsTopic(topic string) ReservationServiceOption {
	return func(s *ReservationService) {
		s.notificationsTopic = topic
	}
}

func WithMaxNights(n int) ReservationServiceOption {
	return func(s *ReservationService) {
		s.maxNights = n
	}
}

func WithDefaultMode(mode domain.ReserveMode) ReservationServiceOption {
	return func(s *ReservationService) {
		s.defaultMode = mode
	}
}

func WithClock(now func() time.Time) ReservationServiceOption {
	return func(s *ReservationService) {
		s.now = now
	}
}

func WithRefGenerator(fn func() string) ReservationServiceOption {
	return func(s *ReservationService) {
		s.newRef = fn
	}
}

func WithMetrics(m *metrics.Metrics) ReservationServiceOption {
	return func(s *ReservationService) {
		s.metrics = m
	}
}

func WithLogger(logger *zap.Logger) ReservationServiceOption {
	return func(s *ReservationService) {
		s.logger = logger
	}
}

func NewReservationService(
	manager *availability.Manager,
	producer Producer,
	topic string,
	holdTTL time.Duration,
	opts ...ReservationServiceOption,
) *ReservationService {
	service := &ReservationService{
		manager:     manager,
		producer:    producer,
		topic:       topic,
		holdTTL:     holdTTL,
		maxNights:   365,
		defaultMode: domain.ModeHold,
		validate:    newValidator(),
		now:         time.Now,
		newRef:      uuid.NewString,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CheckAndReserve runs one booking attempt. Invalid and unavailable requests come back as a
// REJECTED decision; the error return is reserved for lock timeouts and storage failures.
func (s *ReservationService) CheckAndReserve(ctx context.Context, input ReserveInput) (*domain.Decision, error) {
	decision := &domain.Decision{Status: domain.StateRequested, PropertyID: input.PropertyID}

	iv, mode, err := s.check(input)
	if err != nil {
		s.reject(decision, err, "invalid")
		return decision, nil
	}
	decision.Status = domain.StateChecking
	decision.Interval = iv

	var (
		created   domain.BlockedRange
		free      bool
		conflicts []domain.Interval
	)
	err = s.manager.Update(ctx, input.PropertyID, func(tx *availability.Tx) error {
		if !tx.IsFree(iv) {
			conflicts = tx.Conflicts(iv)
			return nil
		}
		free = true
		created = adapter.FromReservation(s.newRef(), input.PropertyID, iv, mode, s.now())
		return tx.Add(created)
	})
	if err != nil {
		s.metrics.Decision("ERROR", errorReason(err))
		return nil, err
	}

	if !free {
		s.reject(decision, &domain.DateRangeUnavailableError{
			PropertyID: input.PropertyID,
			Requested:  iv,
			Conflicts:  conflicts,
		}, "unavailable")
		return decision, nil
	}

	decision.Status = domain.StateAccepted
	decision.BookingRef = created.SourceRef
	decision.Source = created.Source
	if exp, ok := created.ExpiresAt(s.holdTTL); ok {
		decision.ExpiresAt = &exp
	}
	s.metrics.Decision(string(domain.StateAccepted), "")
	s.logger.Info("reservation accepted",
		zap.String("property_id", input.PropertyID),
		zap.String("booking_ref", created.SourceRef),
		zap.String("source", string(created.Source)),
		zap.Stringer("interval", iv),
	)

	eventType := domain.EventHoldCreated
	if created.Source == domain.SourceBooking {
		eventType = domain.EventBookingCreated
	}
	event := domain.RangeEvent(eventType, created, s.now())
	event.ExpiresAt = decision.ExpiresAt
	s.publish(ctx, event)

	return decision, nil
}

func (s *ReservationService) check(input ReserveInput) (domain.Interval, domain.ReserveMode, error) {
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.Interval{}, "", &domain.InvalidRequestError{Field: verrs[0].Field(), Reason: describe(verrs[0])}
		}
		return domain.Interval{}, "", &domain.InvalidRequestError{Reason: err.Error()}
	}

	mode := input.Mode
	if mode == "" {
		mode = s.defaultMode
	}

	iv, err := domain.NewInterval(domain.Day(input.Start), domain.Day(input.End))
	if err != nil {
		return domain.Interval{}, "", &domain.InvalidRequestError{Field: "end", Reason: "must be after start"}
	}
	if iv.Start.Before(domain.Day(s.now())) {
		return domain.Interval{}, "", &domain.InvalidRequestError{Field: "start", Reason: "is in the past"}
	}
	if s.maxNights > 0 && iv.Nights() > s.maxNights {
		return domain.Interval{}, "", &domain.InvalidRequestError{Field: "end", Reason: fmt.Sprintf("stay is longer than %d nights", s.maxNights)}
	}
	return iv, mode, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func (s *ReservationService) reject(d *domain.Decision, err error, reason string) {
	d.Status = domain.StateRejected
	d.Err = err
	s.metrics.Decision(string(domain.StateRejected), reason)
	s.logger.Debug("reservation rejected", zap.String("property_id", d.PropertyID), zap.Error(err))
}

// Confirm promotes a hold to a booking. Confirming a booking returns it unchanged.
func (s *ReservationService) Confirm(ctx context.Context, ref string) (domain.BlockedRange, error) {
	propertyID, err := s.manager.PropertyForRef(ctx, ref)
	if err != nil {
		return domain.BlockedRange{}, err
	}

	var (
		confirmed domain.BlockedRange
		wasHold   bool
	)
	err = s.manager.Update(ctx, propertyID, func(tx *availability.Tx) error {
		if r, ok := tx.Index().Find(ref); ok && r.Source == domain.SourceHold {
			wasHold = true
		}
		var err error
		confirmed, err = tx.Promote(ref)
		return err
	})
	if err != nil {
		return domain.BlockedRange{}, err
	}

	if wasHold {
		s.logger.Info("hold confirmed", zap.String("property_id", propertyID), zap.String("booking_ref", ref))
		s.publish(ctx, domain.RangeEvent(domain.EventBookingConfirmed, confirmed, s.now()))
	}
	return confirmed, nil
}

// Cancel unblocks the booking or hold carrying ref. Cancelling an unknown or already cancelled
// reference returns false and no error.
func (s *ReservationService) Cancel(ctx context.Context, ref string) (bool, error) {
	propertyID, err := s.manager.PropertyForRef(ctx, ref)
	if errors.Is(err, domain.ErrBookingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var (
		cancelled domain.BlockedRange
		removed   bool
	)
	err = s.manager.Update(ctx, propertyID, func(tx *availability.Tx) error {
		r, ok := tx.Index().Find(ref)
		if !ok || !r.Source.Reserved() {
			return nil
		}
		cancelled = r
		var err error
		removed, err = tx.Remove(ref)
		return err
	})
	if err != nil || !removed {
		return false, err
	}

	s.logger.Info("reservation cancelled", zap.String("property_id", propertyID), zap.String("booking_ref", ref))
	s.publish(ctx, domain.RangeEvent(domain.EventBookingCancelled, cancelled, s.now()))
	return true, nil
}

// ExpireHolds removes every hold older than the hold TTL. A property that fails does not stop
// the sweep of the others; their errors are joined.
func (s *ReservationService) ExpireHolds(ctx context.Context) ([]domain.BlockedRange, error) {
	cutoff := s.now().Add(-s.holdTTL)
	properties, err := s.manager.PropertiesWithExpiredHolds(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var (
		expired []domain.BlockedRange
		errs    []error
	)
	for _, propertyID := range properties {
		err := s.manager.Update(ctx, propertyID, func(tx *availability.Tx) error {
			removed, err := tx.ExpireHolds(cutoff)
			expired = append(expired, removed...)
			return err
		})
		if err != nil {
			s.logger.Warn("expire holds failed", zap.String("property_id", propertyID), zap.Error(err))
			errs = append(errs, fmt.Errorf("property %s: %w", propertyID, err))
		}
	}

	at := s.now()
	for _, h := range expired {
		s.publish(ctx, domain.RangeEvent(domain.EventHoldExpired, h, at))
	}
	if len(expired) > 0 {
		s.logger.Info("holds expired", zap.Int("count", len(expired)))
	}
	s.metrics.HoldsExpired(len(expired))
	return expired, errors.Join(errs...)
}

func (s *ReservationService) QueryBlocks(ctx context.Context, propertyID string, window domain.Interval) ([]domain.Interval, error) {
	if !window.Valid() {
		return nil, &domain.InvalidRangeError{Start: window.Start, End: window.End}
	}
	var out []domain.Interval
	err := s.manager.View(ctx, propertyID, func(idx *availability.Index) error {
		out = idx.Blocks(window)
		return nil
	})
	return out, err
}

func (s *ReservationService) QueryFree(ctx context.Context, propertyID string, window domain.Interval) ([]domain.Interval, error) {
	if !window.Valid() {
		return nil, &domain.InvalidRangeError{Start: window.Start, End: window.End}
	}
	var out []domain.Interval
	err := s.manager.View(ctx, propertyID, func(idx *availability.Index) error {
		out = idx.Free(window)
		return nil
	})
	return out, err
}

// Track applies a booking record owned by the marketplace backend. Confirmed and pending
// records block their dates, cancelled ones release them. Replaying a record is a no-op.
func (s *ReservationService) Track(ctx context.Context, rec domain.BookingRecord) error {
	r, ok, err := adapter.FromBookingRecord(rec)
	if err != nil {
		return err
	}
	if !ok {
		_, err := s.Cancel(ctx, rec.Ref)
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	return s.manager.Update(ctx, rec.PropertyID, func(tx *availability.Tx) error {
		existing, found := tx.Index().Find(rec.Ref)
		if found && existing.Source.Reserved() {
			if existing.Interval.Equal(r.Interval) {
				if existing.Source == domain.SourceHold && r.Source == domain.SourceBooking {
					_, err := tx.Promote(rec.Ref)
					return err
				}
				return nil
			}
			// moved dates: the old range keeps blocking unless the new one is stored
			return tx.ReplaceRange(rec.Ref, r)
		}
		return tx.Add(r)
	})
}

func (s *ReservationService) publish(ctx context.Context, event domain.AvailabilityEvent) {
	if s.producer == nil || s.topic == "" {
		return
	}
	key := event.PropertyID
	if err := s.producer.Publish(ctx, s.topic, key, event); err != nil {
		s.logger.Warn("failed to publish availability event",
			zap.String("type", string(event.Type)),
			zap.String("booking_ref", event.BookingRef),
			zap.Error(err),
		)
		return
	}
	if s.notificationsTopic != "" {
		if err := s.producer.Publish(ctx, s.notificationsTopic, key, event); err != nil {
			s.logger.Warn("failed to publish notification", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
}

func errorReason(err error) string {
	var timeout *domain.LockTimeoutError
	if errors.As(err, &timeout) {
		return "lock_timeout"
	}
	return "internal"
}

var _ ReservationUseCase = (*ReservationService)(nil)
