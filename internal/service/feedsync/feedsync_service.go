package feedsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Domenick1991/staysync/internal/adapter"
	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type FeedSyncUseCase interface {
	RegisterExternalFeed(ctx context.Context, propertyID, url string) (domain.ExternalFeed, error)
	SyncNow(ctx context.Context, propertyID string) (domain.SyncResult, error)
	SyncDue(ctx context.Context) ([]domain.SyncResult, error)
	Status(ctx context.Context, propertyID string) (domain.FeedStatus, error)
}

type FeedRepository interface {
	// Upsert stores feed unless the (property, url) pair already exists, and returns the stored row.
	Upsert(ctx context.Context, feed domain.ExternalFeed) (domain.ExternalFeed, error)
	ListByProperty(ctx context.Context, propertyID string) ([]domain.ExternalFeed, error)
	// ListDue returns properties with a feed not synced successfully since before.
	ListDue(ctx context.Context, before time.Time) ([]string, error)
	UpdateSyncState(ctx context.Context, feed domain.ExternalFeed) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type FeedSyncService struct {
	feeds              FeedRepository
	fetcher            Fetcher
	manager            *availability.Manager
	producer           Producer
	topic              string
	notificationsTopic string

	maxRetries      int
	refreshInterval time.Duration
	staleAfter      time.Duration
	concurrency     int
	newBackOff      func() backoff.BackOff

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type FeedSyncServiceOption func(*FeedSyncService)

func WithProducer(producer Producer, topic string) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.producer = producer
		s.topic = topic
	}
}

// WithNotificationsTopic also sends feed_degraded events to topic, where the worker alerts the host.
func WithNotificationsTopic(topic string) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.notificationsTopic = topic
	}
}

func WithMaxRetries(n int) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.maxRetries = n
	}
}

func WithRefreshInterval(d time.Duration) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.refreshInterval = d
	}
}

func WithStaleAfter(d time.Duration) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.staleAfter = d
	}
}

func WithConcurrency(n int) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.concurrency = n
	}
}

// WithBackOff replaces the retry policy between fetch attempts.
func WithBackOff(fn func() backoff.BackOff) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.newBackOff = fn
	}
}

func WithClock(now func() time.Time) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.now = now
	}
}

func WithMetrics(m *metrics.Metrics) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.metrics = m
	}
}

func WithLogger(logger *zap.Logger) FeedSyncServiceOption {
	return func(s *FeedSyncService) {
		s.logger = logger
	}
}

func NewFeedSyncService(feeds FeedRepository, fetcher Fetcher, manager *availability.Manager, opts ...FeedSyncServiceOption) *FeedSyncService {
	service := &FeedSyncService{
		feeds:           feeds,
		fetcher:         fetcher,
		manager:         manager,
		maxRetries:      3,
		refreshInterval: 30 * time.Minute,
		staleAfter:      90 * time.Minute,
		concurrency:     4,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// RegisterExternalFeed subscribes a property to a calendar URL. Registering the same URL twice
// returns the existing subscription.
func (s *FeedSyncService) RegisterExternalFeed(ctx context.Context, propertyID, url string) (domain.ExternalFeed, error) {
	if strings.TrimSpace(propertyID) == "" {
		return domain.ExternalFeed{}, &domain.InvalidRequestError{Field: "property_id", Reason: "is required"}
	}
	url = strings.TrimSpace(url)
	if _, err := adapter.NormalizeFeedURL(url); err != nil {
		return domain.ExternalFeed{}, err
	}

	feed, err := s.feeds.Upsert(ctx, domain.ExternalFeed{
		PropertyID: propertyID,
		URL:        url,
		Status:     domain.SyncStatusPending,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return domain.ExternalFeed{}, fmt.Errorf("register feed for %s: %w", propertyID, err)
	}
	s.logger.Info("external feed registered", zap.String("property_id", propertyID), zap.String("url", url))
	return feed, nil
}

type feedOutcome struct {
	feed   domain.ExternalFeed
	parsed adapter.ParsedFeed
	err    error
}

// SyncNow fetches every feed of the property and swaps the union of their events in as the
// property's external ranges. If some feeds fail, the healthy feeds' events are added on top
// of the cached ranges, nothing is released, the last sync time stays put and the property is
// reported DEGRADED.
func (s *FeedSyncService) SyncNow(ctx context.Context, propertyID string) (domain.SyncResult, error) {
	feeds, err := s.feeds.ListByProperty(ctx, propertyID)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("list feeds of %s: %w", propertyID, err)
	}
	if len(feeds) == 0 {
		return domain.SyncResult{}, fmt.Errorf("%w: %s", domain.ErrFeedNotRegistered, propertyID)
	}

	attemptAt := s.now()
	outcomes := make([]feedOutcome, len(feeds))
	for i, feed := range feeds {
		parsed, err := s.fetchWithRetry(ctx, feed)
		outcomes[i] = feedOutcome{feed: feed, parsed: parsed, err: err}
	}

	result := domain.SyncResult{PropertyID: propertyID, SyncedAt: attemptAt}
	var (
		ranges  []domain.BlockedRange
		errs    []error
		healthy int
	)
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		healthy++
		ranges = append(ranges, o.parsed.Ranges...)
		result.Events += len(o.parsed.Ranges)
		result.Skipped += len(o.parsed.Skipped)
	}

	var applyErr error
	if healthy > 0 {
		applyErr = s.manager.Update(ctx, propertyID, func(tx *availability.Tx) error {
			if len(errs) == 0 {
				_, err := tx.ReplaceExternal(ranges, attemptAt)
				return err
			}
			_, err := tx.ExtendExternal(ranges)
			return err
		})
		if applyErr != nil {
			applyErr = fmt.Errorf("apply external ranges: %w", applyErr)
			errs = append(errs, applyErr)
		}
	}

	if len(errs) > 0 {
		syncErr := errors.Join(errs...)
		result.Status = domain.SyncStatusDegraded
		result.Error = syncErr.Error()
		if applyErr != nil {
			result.Events, result.Skipped = 0, 0
		}
		s.recordFailure(ctx, outcomes, attemptAt, applyErr)
		s.metrics.FeedSync(propertyID, string(result.Status), true)
		s.logger.Warn("external feed sync degraded",
			zap.String("property_id", propertyID),
			zap.Int("healthy_feeds", healthy),
			zap.Int("events", result.Events),
			zap.Error(syncErr),
		)
		s.publish(ctx, domain.AvailabilityEvent{
			Type:       domain.EventFeedDegraded,
			PropertyID: propertyID,
			Detail:     result.Error,
			OccurredAt: attemptAt,
		})
		return result, nil
	}

	result.Status = domain.SyncStatusOK
	for _, o := range outcomes {
		feed := o.feed
		synced := attemptAt
		feed.Status = domain.SyncStatusOK
		feed.LastSyncAt = &synced
		feed.LastAttemptAt = &synced
		feed.LastError = ""
		feed.EventCount = len(o.parsed.Ranges)
		feed.ConsecutiveFailures = 0
		if err := s.feeds.UpdateSyncState(ctx, feed); err != nil {
			s.logger.Error("failed to record feed sync", zap.String("url", feed.URL), zap.Error(err))
		}
	}
	s.metrics.FeedSync(propertyID, string(result.Status), false)
	s.logger.Info("external feed synced",
		zap.String("property_id", propertyID),
		zap.Int("events", result.Events),
		zap.Int("skipped", result.Skipped),
	)
	s.publish(ctx, domain.AvailabilityEvent{
		Type:       domain.EventFeedSynced,
		PropertyID: propertyID,
		Detail:     fmt.Sprintf("%d events", result.Events),
		OccurredAt: attemptAt,
	})
	return result, nil
}

func (s *FeedSyncService) fetchWithRetry(ctx context.Context, feed domain.ExternalFeed) (adapter.ParsedFeed, error) {
	var parsed adapter.ParsedFeed
	attempt := 0
	op := func() error {
		attempt++
		body, err := s.fetcher.Fetch(ctx, feed.URL)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidFeedURL) {
				return backoff.Permanent(err)
			}
			return err
		}
		parsed, err = adapter.ParseFeed(bytes.NewReader(body), feed.PropertyID, s.now(), s.logger)
		if err != nil {
			return backoff.Permanent(&domain.FeedParseError{URL: feed.URL, Err: err})
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("feed fetch failed, retrying",
			zap.String("url", feed.URL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return adapter.ParsedFeed{}, err
	}
	return parsed, nil
}

// recordFailure marks failed feeds DEGRADED. Healthy feeds whose events were applied are
// recorded as synced; if applying failed they are degraded with applyErr.
func (s *FeedSyncService) recordFailure(ctx context.Context, outcomes []feedOutcome, at time.Time, applyErr error) {
	for _, o := range outcomes {
		feed := o.feed
		attempted := at
		feed.LastAttemptAt = &attempted
		switch {
		case o.err == nil && applyErr == nil:
			synced := at
			feed.Status = domain.SyncStatusOK
			feed.LastSyncAt = &synced
			feed.LastError = ""
			feed.EventCount = len(o.parsed.Ranges)
			feed.ConsecutiveFailures = 0
		case o.err != nil:
			feed.Status = domain.SyncStatusDegraded
			feed.LastError = o.err.Error()
			feed.ConsecutiveFailures++
		default:
			feed.Status = domain.SyncStatusDegraded
			feed.LastError = applyErr.Error()
			feed.ConsecutiveFailures++
		}
		if err := s.feeds.UpdateSyncState(ctx, feed); err != nil {
			s.logger.Error("failed to record feed failure", zap.String("url", feed.URL), zap.Error(err))
		}
	}
}

// SyncDue syncs every property whose feeds have not succeeded within the refresh interval.
func (s *FeedSyncService) SyncDue(ctx context.Context) ([]domain.SyncResult, error) {
	properties, err := s.feeds.ListDue(ctx, s.now().Add(-s.refreshInterval))
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}

	var (
		mu      sync.Mutex
		results []domain.SyncResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, propertyID := range properties {
		propertyID := propertyID
		g.Go(func() error {
			res, err := s.SyncNow(gctx, propertyID)
			if err != nil {
				s.logger.Error("feed sync failed", zap.String("property_id", propertyID), zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PropertyID < results[j].PropertyID })
	return results, nil
}

func (s *FeedSyncService) Status(ctx context.Context, propertyID string) (domain.FeedStatus, error) {
	feeds, err := s.feeds.ListByProperty(ctx, propertyID)
	if err != nil {
		return domain.FeedStatus{}, fmt.Errorf("list feeds of %s: %w", propertyID, err)
	}
	if len(feeds) == 0 {
		return domain.FeedStatus{}, fmt.Errorf("%w: %s", domain.ErrFeedNotRegistered, propertyID)
	}

	status := domain.FeedStatus{PropertyID: propertyID, Feeds: feeds}
	err = s.manager.View(ctx, propertyID, func(idx *availability.Index) error {
		status.LastExternalSyncAt = idx.LastExternalSyncAt()
		return nil
	})
	if err != nil {
		return domain.FeedStatus{}, err
	}

	status.Stale = status.LastExternalSyncAt == nil || status.LastExternalSyncAt.Before(s.now().Add(-s.staleAfter))
	for _, f := range feeds {
		if f.Status == domain.SyncStatusDegraded {
			status.Degraded = true
		}
	}
	return status, nil
}

func (s *FeedSyncService) publish(ctx context.Context, event domain.AvailabilityEvent) {
	if s.producer == nil || s.topic == "" {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, event.PropertyID, event); err != nil {
		s.logger.Warn("failed to publish feed event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if event.Type == domain.EventFeedDegraded && s.notificationsTopic != "" {
		if err := s.producer.Publish(ctx, s.notificationsTopic, event.PropertyID, event); err != nil {
			s.logger.Warn("failed to publish notification", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
}

var _ FeedSyncUseCase = (*FeedSyncService)(nil)
