package feedsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock структуры

type MockFeedRepository struct {
	mock.Mock
}

func (m *MockFeedRepository) Upsert(ctx context.Context, feed domain.ExternalFeed) (domain.ExternalFeed, error) {
	args := m.Called(ctx, feed)
	return args.Get(0).(domain.ExternalFeed), args.Error(1)
}

func (m *MockFeedRepository) ListByProperty(ctx context.Context, propertyID string) ([]domain.ExternalFeed, error) {
	args := m.Called(ctx, propertyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ExternalFeed), args.Error(1)
}

func (m *MockFeedRepository) ListDue(ctx context.Context, before time.Time) ([]string, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockFeedRepository) UpdateSyncState(ctx context.Context, feed domain.ExternalFeed) error {
	args := m.Called(ctx, feed)
	return args.Error(0)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var syncTime = time.Date(2024, 4, 20, 10, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ics(events ...[3]string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, e := range events {
		fmt.Fprintf(&b, "BEGIN:VEVENT\r\nUID:%s\r\nDTSTART;VALUE=DATE:%s\r\nDTEND;VALUE=DATE:%s\r\nEND:VEVENT\r\n", e[0], e[1], e[2])
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func newSyncService(repo FeedRepository, fetcher Fetcher, m *availability.Manager) *FeedSyncService {
	return NewFeedSyncService(repo, fetcher, m,
		WithClock(func() time.Time { return syncTime }),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithMaxRetries(2),
	)
}

func TestFeedSyncService_RegisterExternalFeed(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	s := newSyncService(repo, &MockFetcher{}, availability.NewManager())

	stored := domain.ExternalFeed{PropertyID: "P", URL: "webcal://example.com/a.ics", Status: domain.SyncStatusPending, CreatedAt: syncTime}
	repo.On("Upsert", ctx, stored).Return(stored, nil).Twice()

	got, err := s.RegisterExternalFeed(ctx, "P", " webcal://example.com/a.ics ")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	_, err = s.RegisterExternalFeed(ctx, "P", "webcal://example.com/a.ics")
	require.NoError(t, err)

	_, err = s.RegisterExternalFeed(ctx, "P", "file:///etc/passwd")
	assert.ErrorIs(t, err, domain.ErrInvalidFeedURL)

	repo.AssertExpectations(t)
}

func TestFeedSyncService_SyncNowReplacesExternalRanges(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	m := availability.NewManager()
	s := newSyncService(repo, fetcher, m)

	feeds := []domain.ExternalFeed{
		{PropertyID: "P", URL: "https://a.example/cal.ics"},
		{PropertyID: "P", URL: "https://b.example/cal.ics"},
	}
	repo.On("ListByProperty", ctx, "P").Return(feeds, nil)
	fetcher.On("Fetch", ctx, feeds[0].URL).Return(ics([3]string{"a1", "20240502", "20240504"}), nil).Once()
	fetcher.On("Fetch", ctx, feeds[1].URL).Return(ics([3]string{"b1", "20240503", "20240506"}, [3]string{"b2", "20240601", "20240603"}), nil).Once()
	repo.On("UpdateSyncState", ctx, mock.MatchedBy(func(f domain.ExternalFeed) bool {
		return f.Status == domain.SyncStatusOK && f.LastSyncAt != nil && f.LastSyncAt.Equal(syncTime)
	})).Return(nil).Twice()

	before := domain.MustInterval(day("2024-05-01"), day("2024-05-03"))
	require.NoError(t, m.View(ctx, "P", func(idx *availability.Index) error {
		assert.True(t, idx.IsFree(before))
		return nil
	}))

	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusOK, res.Status)
	assert.Equal(t, 3, res.Events)

	require.NoError(t, m.View(ctx, "P", func(idx *availability.Index) error {
		assert.False(t, idx.IsFree(before))
		snap := idx.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, domain.MustInterval(day("2024-05-02"), day("2024-05-06")), snap[0].Interval)
		require.NotNil(t, idx.LastExternalSyncAt())
		return nil
	}))

	repo.AssertExpectations(t)
	fetcher.AssertExpectations(t)
}

func TestFeedSyncService_FailureKeepsCachedRanges(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	m := availability.NewManager()
	s := newSyncService(repo, fetcher, m)

	feed := domain.ExternalFeed{PropertyID: "P", URL: "https://a.example/cal.ics"}
	repo.On("ListByProperty", ctx, "P").Return([]domain.ExternalFeed{feed}, nil)
	repo.On("UpdateSyncState", ctx, mock.Anything).Return(nil)

	fetcher.On("Fetch", ctx, feed.URL).Return(ics([3]string{"a1", "20240502", "20240504"}), nil).Once()
	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusOK, res.Status)

	fetchErr := &domain.FeedFetchError{URL: feed.URL, Err: errors.New("503 Service Unavailable")}
	fetcher.On("Fetch", ctx, feed.URL).Return(nil, fetchErr).Times(3)

	res, err = s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, res.Status)
	assert.Contains(t, res.Error, "503")

	require.NoError(t, m.View(ctx, "P", func(idx *availability.Index) error {
		assert.False(t, idx.IsFree(domain.MustInterval(day("2024-05-02"), day("2024-05-03"))))
		return nil
	}))

	repo.AssertCalled(t, "UpdateSyncState", ctx, mock.MatchedBy(func(f domain.ExternalFeed) bool {
		return f.Status == domain.SyncStatusDegraded && f.ConsecutiveFailures == 1 && f.LastError != ""
	}))
	fetcher.AssertNumberOfCalls(t, "Fetch", 4)
}

func TestFeedSyncService_ParseErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	s := newSyncService(repo, fetcher, availability.NewManager())

	feed := domain.ExternalFeed{PropertyID: "P", URL: "https://a.example/cal.ics"}
	repo.On("ListByProperty", ctx, "P").Return([]domain.ExternalFeed{feed}, nil)
	repo.On("UpdateSyncState", ctx, mock.Anything).Return(nil)
	fetcher.On("Fetch", ctx, feed.URL).Return([]byte("<html>not a calendar</html>"), nil).Once()

	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, res.Status)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestFeedSyncService_PartialFailureAppliesHealthyFeeds(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	m := availability.NewManager()
	s := newSyncService(repo, fetcher, m)

	feeds := []domain.ExternalFeed{
		{PropertyID: "P", URL: "https://airbnb.example/cal.ics"},
		{PropertyID: "P", URL: "https://vrbo.example/cal.ics"},
	}
	repo.On("ListByProperty", ctx, "P").Return(feeds, nil)
	repo.On("UpdateSyncState", ctx, mock.Anything).Return(nil)

	// first sync: both feeds up, vrbo blocks early June
	fetcher.On("Fetch", ctx, feeds[0].URL).Return(ics([3]string{"airbnb-old", "20240601", "20240603"}), nil).Once()
	fetcher.On("Fetch", ctx, feeds[1].URL).Return(ics([3]string{"vrbo-1", "20240610", "20240612"}), nil).Once()
	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusOK, res.Status)

	// second sync: airbnb has a new booking, vrbo is down
	fetcher.On("Fetch", ctx, feeds[0].URL).Return(ics([3]string{"airbnb-new", "20240502", "20240504"}), nil).Once()
	fetcher.On("Fetch", ctx, feeds[1].URL).Return(nil, errors.New("timeout")).Times(3)

	res, err = s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, res.Status)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, 1, res.Events)

	require.NoError(t, m.View(ctx, "P", func(idx *availability.Index) error {
		assert.False(t, idx.IsFree(domain.MustInterval(day("2024-05-02"), day("2024-05-03"))))
		// the cached vrbo range still blocks while vrbo is unreachable
		assert.False(t, idx.IsFree(domain.MustInterval(day("2024-06-10"), day("2024-06-11"))))
		// nothing is released on a degraded sync
		assert.False(t, idx.IsFree(domain.MustInterval(day("2024-06-01"), day("2024-06-02"))))
		last := idx.LastExternalSyncAt()
		require.NotNil(t, last)
		assert.Equal(t, syncTime, *last)
		return nil
	}))

	repo.AssertCalled(t, "UpdateSyncState", ctx, mock.MatchedBy(func(f domain.ExternalFeed) bool {
		return f.URL == feeds[1].URL && f.Status == domain.SyncStatusDegraded && f.LastSyncAt == nil && f.ConsecutiveFailures == 1
	}))
	repo.AssertCalled(t, "UpdateSyncState", ctx, mock.MatchedBy(func(f domain.ExternalFeed) bool {
		return f.URL == feeds[0].URL && f.Status == domain.SyncStatusOK && f.EventCount == 1
	}))
}

func TestFeedSyncService_PartialFailureWithoutCache(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	m := availability.NewManager()
	s := newSyncService(repo, fetcher, m)

	feeds := []domain.ExternalFeed{
		{PropertyID: "P", URL: "https://a.example/cal.ics"},
		{PropertyID: "P", URL: "https://b.example/cal.ics"},
	}
	repo.On("ListByProperty", ctx, "P").Return(feeds, nil)
	repo.On("UpdateSyncState", ctx, mock.Anything).Return(nil)
	fetcher.On("Fetch", ctx, feeds[0].URL).Return(ics([3]string{"a1", "20240502", "20240504"}), nil)
	fetcher.On("Fetch", ctx, feeds[1].URL).Return(nil, errors.New("timeout"))

	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, res.Status)

	require.NoError(t, m.View(ctx, "P", func(idx *availability.Index) error {
		assert.False(t, idx.IsFree(domain.MustInterval(day("2024-05-02"), day("2024-05-03"))))
		assert.Nil(t, idx.LastExternalSyncAt())
		return nil
	}))
}

func TestFeedSyncService_SyncNowWithoutFeeds(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	s := newSyncService(repo, &MockFetcher{}, availability.NewManager())
	repo.On("ListByProperty", ctx, "P").Return(nil, nil)

	_, err := s.SyncNow(ctx, "P")
	assert.ErrorIs(t, err, domain.ErrFeedNotRegistered)

	_, err = s.Status(ctx, "P")
	assert.ErrorIs(t, err, domain.ErrFeedNotRegistered)
}

func TestFeedSyncService_SyncDue(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	s := newSyncService(repo, fetcher, availability.NewManager())

	repo.On("ListDue", ctx, syncTime.Add(-30*time.Minute)).Return([]string{"P2", "P1", "P3"}, nil)
	for _, id := range []string{"P1", "P2", "P3"} {
		url := "https://" + strings.ToLower(id) + ".example/cal.ics"
		repo.On("ListByProperty", mock.Anything, id).Return([]domain.ExternalFeed{{PropertyID: id, URL: url}}, nil)
		fetcher.On("Fetch", mock.Anything, url).Return(ics([3]string{id, "20240601", "20240602"}), nil)
	}
	repo.On("UpdateSyncState", mock.Anything, mock.Anything).Return(nil)

	results, err := s.SyncDue(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "P1", results[0].PropertyID)
	assert.Equal(t, "P3", results[2].PropertyID)
	for _, r := range results {
		assert.Equal(t, domain.SyncStatusOK, r.Status)
	}
}

func TestFeedSyncService_Status(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	m := availability.NewManager()
	now := syncTime
	s := NewFeedSyncService(repo, fetcher, m,
		WithClock(func() time.Time { return now }),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithStaleAfter(time.Hour),
	)

	feed := domain.ExternalFeed{PropertyID: "P", URL: "https://a.example/cal.ics", Status: domain.SyncStatusPending}
	repo.On("ListByProperty", ctx, "P").Return([]domain.ExternalFeed{feed}, nil)

	st, err := s.Status(ctx, "P")
	require.NoError(t, err)
	assert.True(t, st.Stale)
	assert.False(t, st.Degraded)

	require.NoError(t, m.Update(ctx, "P", func(tx *availability.Tx) error {
		_, err := tx.ReplaceExternal(nil, syncTime)
		return err
	}))
	st, err = s.Status(ctx, "P")
	require.NoError(t, err)
	assert.False(t, st.Stale)

	now = syncTime.Add(2 * time.Hour)
	st, err = s.Status(ctx, "P")
	require.NoError(t, err)
	assert.True(t, st.Stale)
}

type fakeFeeds struct {
	mu    sync.Mutex
	calls int
	ch    chan struct{}
}

func (f *fakeFeeds) RegisterExternalFeed(context.Context, string, string) (domain.ExternalFeed, error) {
	return domain.ExternalFeed{}, nil
}

func (f *fakeFeeds) SyncNow(context.Context, string) (domain.SyncResult, error) {
	return domain.SyncResult{}, nil
}

func (f *fakeFeeds) SyncDue(context.Context) ([]domain.SyncResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	select {
	case f.ch <- struct{}{}:
	default:
	}
	return nil, nil
}

func (f *fakeFeeds) Status(context.Context, string) (domain.FeedStatus, error) {
	return domain.FeedStatus{}, nil
}

func TestScheduler_RunsOnStartAndStops(t *testing.T) {
	feeds := &fakeFeeds{ch: make(chan struct{}, 1)}
	s := NewScheduler(feeds, nil, time.Hour, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-feeds.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("feed sync did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func TestFeedSyncService_DegradedSyncNotifiesHost(t *testing.T) {
	ctx := context.Background()
	repo := &MockFeedRepository{}
	fetcher := &MockFetcher{}
	producer := &MockProducer{}
	s := NewFeedSyncService(repo, fetcher, availability.NewManager(),
		WithClock(func() time.Time { return syncTime }),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithMaxRetries(0),
		WithProducer(producer, "availability"),
		WithNotificationsTopic("notifications"),
	)

	feed := domain.ExternalFeed{PropertyID: "P", URL: "https://a.example/cal.ics"}
	repo.On("ListByProperty", ctx, "P").Return([]domain.ExternalFeed{feed}, nil)
	repo.On("UpdateSyncState", ctx, mock.Anything).Return(nil)
	fetcher.On("Fetch", ctx, feed.URL).Return(nil, errors.New("status 503"))

	degraded := mock.MatchedBy(func(ev domain.AvailabilityEvent) bool { return ev.Type == domain.EventFeedDegraded })
	producer.On("Publish", ctx, "availability", "P", degraded).Return(nil).Once()
	producer.On("Publish", ctx, "notifications", "P", degraded).Return(nil).Once()

	res, err := s.SyncNow(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, res.Status)
	producer.AssertExpectations(t)
}
