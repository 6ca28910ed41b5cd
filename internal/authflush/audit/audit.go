// Package audit records a point-in-time snapshot of every completed
// renewal decision for downstream analytics and billing reconciliation,
// independent of the hot cache-write/publish path: audit I/O must never
// apply backpressure to a renewal, so a full buffer drops the record
// rather than blocking the caller.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ratecache/authflush/internal/authflush/kv"
	"github.com/ratecache/authflush/internal/authflush/metrics"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
	"github.com/ratecache/authflush/pkg/log"
)

// forcedFlushInterval bounds how long a partially-filled batch can sit in
// a worker's buffer before being pushed anyway, so low-traffic periods
// don't leave records stranded in memory indefinitely.
const forcedFlushInterval = 1 * time.Second

// Record is a snapshot of one completed renewal decision.
type Record struct {
	ID        string `msgpack:"id"`
	ServiceID string `msgpack:"service_id"`
	Creds     string `msgpack:"creds"`
	Metric    string `msgpack:"metric"`
	Decision  string `msgpack:"decision"`
	Timestamp int64  `msgpack:"timestamp"`
}

// NewRecord returns a Record stamped with a fresh correlation ID and the
// given timestamp.
func NewRecord(serviceID, canonicalCreds, metric, decision string, at time.Time) Record {
	return Record{
		ID:        uuid.New().String(),
		ServiceID: serviceID,
		Creds:     canonicalCreds,
		Metric:    metric,
		Decision:  decision,
		Timestamp: at.Unix(),
	}
}

// Recorder is the interface the renewer depends on. It is satisfied by
// *Pool and by any test double standing in for it.
type Recorder interface {
	RecordHit(record Record)
}

// Pool is a bounded worker pool draining a buffered channel of Records,
// batching by size or time (whichever comes first) and, on each flush,
// RPUSHing every msgpack-encoded record of the batch onto
// storagekeys.AuditRecordsList as its own list element.
type Pool struct {
	store            kv.Store
	records          chan Record
	poolSize         int
	workerBufferSize int
	flushInterval    time.Duration

	stopped uint32
	wg      sync.WaitGroup

	dropped uint64
}

// Options configures a Pool.
type Options struct {
	PoolSize          int
	RecordsBufferSize int
	FlushInterval     time.Duration
}

// DefaultOptions returns a modest pool suitable for a single daemon
// instance: enough buffering to absorb a burst of renewals without
// dropping records, without holding an unbounded amount of unflushed data
// in memory.
func DefaultOptions() Options {
	return Options{
		PoolSize:          4,
		RecordsBufferSize: 4096,
		FlushInterval:     200 * time.Millisecond,
	}
}

// NewPool returns a Pool backed by store. Call Start before RecordHit.
func NewPool(store kv.Store, opts Options) *Pool {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	workerBufferSize := opts.RecordsBufferSize / opts.PoolSize
	if workerBufferSize <= 0 {
		workerBufferSize = 1
	}
	return &Pool{
		store:            store,
		records:          make(chan Record, opts.RecordsBufferSize),
		poolSize:         opts.PoolSize,
		workerBufferSize: workerBufferSize,
		flushInterval:    opts.FlushInterval,
	}
}

// Start launches the worker pool.
func (p *Pool) Start() {
	atomic.StoreUint32(&p.stopped, 0)
	for i := 0; i < p.poolSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop closes the records channel, lets every worker flush what it has
// buffered, and waits for them to exit.
func (p *Pool) Stop() {
	atomic.StoreUint32(&p.stopped, 1)
	close(p.records)
	p.wg.Wait()
}

// RecordHit enqueues record for asynchronous persistence. It never blocks:
// if the shared records buffer is full, or the pool has been stopped, the
// record is dropped and Dropped's counter is incremented, since audit data
// loss is acceptable but renewal latency is not.
func (p *Pool) RecordHit(record Record) {
	if atomic.LoadUint32(&p.stopped) > 0 {
		p.drop()
		return
	}
	select {
	case p.records <- record:
	default:
		p.drop()
	}
}

func (p *Pool) drop() {
	metrics.SetAuditDropped(atomic.AddUint64(&p.dropped, 1))
}

// Dropped returns the number of records dropped so far because the buffer
// was full or the pool was stopped, for export as a metric.
func (p *Pool) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	buffer := make([][]byte, 0, p.workerBufferSize)
	lastFlush := time.Now()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		for _, encoded := range buffer {
			if err := p.store.RPush(context.Background(), storagekeys.AuditRecordsList, encoded); err != nil {
				log.Errorf("audit: rpush failed: %s", err.Error())
			}
		}
		buffer = buffer[:0]
		lastFlush = time.Now()
	}

	for {
		var readyToSend bool
		select {
		case record, ok := <-p.records:
			if !ok {
				flush()
				return
			}
			encoded, err := msgpack.Marshal(record)
			if err != nil {
				log.Errorf("audit: encoding record: %s", err.Error())
				continue
			}
			buffer = append(buffer, encoded)
			readyToSend = len(buffer) >= p.workerBufferSize

		case <-time.After(p.flushInterval):
			readyToSend = true
		}

		if readyToSend || time.Since(lastFlush) >= forcedFlushInterval {
			flush()
		}
	}
}
