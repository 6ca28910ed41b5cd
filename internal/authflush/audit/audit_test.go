package audit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ratecache/authflush/internal/authflush/audit"
	"github.com/ratecache/authflush/internal/authflush/kv/kvtest"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
)

func TestPool_FlushesRecordsToAuditList(t *testing.T) {
	store := kvtest.New()
	pool := audit.NewPool(store, audit.Options{PoolSize: 1, RecordsBufferSize: 8, FlushInterval: 10 * time.Millisecond})
	pool.Start()

	record := audit.NewRecord("svc1", "user_key:uk1", "hits", "1", time.Now())
	pool.RecordHit(record)

	require.Eventually(t, func() bool {
		return len(store.List(storagekeys.AuditRecordsList)) == 1
	}, time.Second, 5*time.Millisecond)

	pool.Stop()

	var decoded audit.Record
	require.NoError(t, msgpack.Unmarshal(store.List(storagekeys.AuditRecordsList)[0], &decoded))
	assert.Equal(t, record.ServiceID, decoded.ServiceID)
	assert.Equal(t, record.Metric, decoded.Metric)
}

func TestPool_DropsRecordsWhenBufferFull(t *testing.T) {
	store := kvtest.New()
	// Pool with zero workers started keeps the channel backed up so the
	// buffer actually fills.
	pool := audit.NewPool(store, audit.Options{PoolSize: 1, RecordsBufferSize: 1, FlushInterval: time.Hour})

	pool.RecordHit(audit.NewRecord("svc1", "c1", "hits", "1", time.Now()))
	pool.RecordHit(audit.NewRecord("svc1", "c1", "hits", "1", time.Now()))

	assert.Equal(t, uint64(1), pool.Dropped())
}

func TestPool_StopFlushesRemainingBuffer(t *testing.T) {
	store := kvtest.New()
	pool := audit.NewPool(store, audit.Options{PoolSize: 1, RecordsBufferSize: 8, FlushInterval: time.Hour})
	pool.Start()

	pool.RecordHit(audit.NewRecord("svc1", "c1", "hits", "1", time.Now()))
	pool.Stop()

	assert.Len(t, store.List(storagekeys.AuditRecordsList), 1)
}

func TestPool_RecordHitAfterStopIsDroppedNotPanicked(t *testing.T) {
	store := kvtest.New()
	pool := audit.NewPool(store, audit.Options{PoolSize: 1, RecordsBufferSize: 8, FlushInterval: time.Hour})
	pool.Start()
	pool.Stop()

	assert.NotPanics(t, func() {
		pool.RecordHit(audit.NewRecord("svc1", "c1", "hits", "1", time.Now()))
	})
	assert.Equal(t, uint64(1), pool.Dropped())
}
