package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratecache/authflush/internal/authflush/authorization"
	"github.com/ratecache/authflush/internal/authflush/credentials"
	"github.com/ratecache/authflush/internal/authflush/kv/kvtest"
	"github.com/ratecache/authflush/internal/authflush/storage"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
)

func fixedClock(t time.Time) storage.Clock {
	return func() time.Time { return t }
}

func noDelayBackoff(int) time.Duration { return 0 }

func TestRenewAuths_WritesAndSetsTTL(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store)
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	err := s.RenewAuths(context.Background(), "svc1", creds, map[string]authorization.Authorization{
		"hits": authorization.Allow(),
	}, 60*time.Second)
	require.NoError(t, err)

	key := storagekeys.AuthHashKey("svc1", creds)
	assert.Equal(t, "1", store.Hash(key)["hits"])
	ttl, ok := store.TTL(key)
	require.True(t, ok)
	assert.Equal(t, int64(60), ttl)
}

func TestReport_AccumulatesUsageAndRegistersKey(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store)
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	err := s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 3}},
	})
	require.NoError(t, err)
	err = s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 2}},
	})
	require.NoError(t, err)

	key := storagekeys.ReportHashKey("svc1", creds)
	assert.Equal(t, "5", store.Hash(key)["hits"])
	assert.Contains(t, store.Set(storagekeys.ReportKeysSet), key)
}

func TestReportsToFlush_EmptyWhenNothingReported(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store, storage.WithClock(fixedClock(time.Now())))

	got := s.ReportsToFlush(context.Background())
	assert.Empty(t, got)
}

func TestReportsToFlush_RecoversReportsAndCleansUp(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store, storage.WithClock(fixedClock(time.Now())))
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 7}},
	}))

	got := s.ReportsToFlush(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "svc1", got[0].ServiceID)
	assert.Equal(t, creds.CanonicalString(), got[0].Creds)
	assert.Equal(t, int64(7), got[0].Usage["hits"])

	assert.False(t, store.HasKey(storagekeys.ReportHashKey("svc1", creds)))
	assert.NotContains(t, store.Set(storagekeys.ReportKeysSet), storagekeys.ReportHashKey("svc1", creds))
}

func TestReportsToFlush_ReportAfterFlushGoesToNextCycle(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store, storage.WithClock(fixedClock(time.Now())))
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 1}},
	}))
	first := s.ReportsToFlush(context.Background())
	require.Len(t, first, 1)

	// A new report arriving after the rename handoff must not be part of
	// the cycle that already claimed the old report_keys membership, and
	// must still be flushable on the next cycle.
	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 4}},
	}))
	second := s.ReportsToFlush(context.Background())
	require.Len(t, second, 1)
	assert.Equal(t, int64(4), second[0].Usage["hits"])
}

func TestReportsToFlush_RenameFailureStrandsDataRecoverably(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store, storage.WithClock(fixedClock(time.Now())))
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 9}},
	}))

	store.FailRename[storagekeys.ReportKeysSet] = true
	got := s.ReportsToFlush(context.Background())
	assert.Empty(t, got)

	// report_keys was never renamed away, so the data is still there for
	// the next cycle.
	assert.True(t, store.HasKey(storagekeys.ReportHashKey("svc1", creds)))
}

func TestReportsToFlush_HGetAllFailureDoesNotDeleteKeys(t *testing.T) {
	store := kvtest.New()
	s := storage.New(store, storage.WithClock(fixedClock(time.Now())), storage.WithBackoff(noDelayBackoff))
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 9}},
	}))

	store.FailHGetAll = true
	got := s.ReportsToFlush(context.Background())
	assert.Empty(t, got)
}

func TestReportsToFlush_SecondCycleWithSameClockFlushesNewReport(t *testing.T) {
	store := kvtest.New()
	now := time.Now()
	s := storage.New(store, storage.WithClock(fixedClock(now)))
	creds := credentials.New(map[string]string{"user_key": "uk1"})

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 1}},
	}))
	require.Len(t, s.ReportsToFlush(context.Background()), 1)

	require.NoError(t, s.Report(context.Background(), []storage.Report{
		{ServiceID: "svc1", Creds: creds, Usage: map[string]int64{"hits": 1}},
	}))
	// Same fixed clock, different cycle: the second cycle still claims
	// and returns the report made after the first one.
	require.Len(t, s.ReportsToFlush(context.Background()), 1)
}
