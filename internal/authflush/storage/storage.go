// Package storage implements the batched, failure-tolerant KV operations
// the renewer and the periodic flush driver depend on: writing
// authorizations with a TTL, accumulating usage counters, and the
// atomic snapshot-and-rename protocol that hands a batch of usage reports
// off for delivery upstream without double-counting or silently losing
// data on a partial failure.
package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ratecache/authflush/internal/authflush/authorization"
	"github.com/ratecache/authflush/internal/authflush/credentials"
	"github.com/ratecache/authflush/internal/authflush/kv"
	"github.com/ratecache/authflush/internal/authflush/metrics"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
	"github.com/ratecache/authflush/pkg/log"
)

// BatchSize bounds how many hash fields or keys travel in a single
// pipelined KV round trip, so a large application or a large flush cycle
// cannot monopolize the KV server with one oversized command.
const BatchSize = 500

// RenewAuthError indicates a KV failure while writing fresh authorizations
// for one application.
type RenewAuthError struct {
	ServiceID string
	Creds     credentials.Credentials
	Cause     error
}

func (e *RenewAuthError) Error() string {
	return "storage: renewing auths for service " + e.ServiceID + " creds " + e.Creds.CanonicalString() + ": " + e.Cause.Error()
}

func (e *RenewAuthError) Unwrap() error {
	return e.Cause
}

// Report is one application's accumulated usage since the last report:
// metric name to usage delta.
type Report struct {
	ServiceID string
	Creds     credentials.Credentials
	Usage     map[string]int64
}

// FlushedReport is one application's usage reports recovered by a flush
// cycle, ready for delivery upstream.
type FlushedReport struct {
	ServiceID string
	// Creds is the raw canonical credentials string recovered from the
	// flushed key name; storagekeys does not reconstruct a
	// credentials.Credentials because decoding CanonicalString's escaping
	// is not required by any caller of this type.
	Creds string
	Usage map[string]int64
}

// Clock abstracts time.Now so flush-cycle suffixes are deterministic in
// tests.
type Clock func() time.Time

// Backoff is an injectable delay used between Delete retries, so tests can
// run the retry path without actually sleeping.
type Backoff func(attempt int) time.Duration

// DefaultBackoff waits a flat 100ms between retries, matching the
// documented default delete-retry delay.
func DefaultBackoff(int) time.Duration {
	return 100 * time.Millisecond
}

// Storage is the KV-backed implementation of the flush protocol.
type Storage struct {
	store   kv.Store
	now     Clock
	backoff Backoff
}

// Option configures a Storage at construction.
type Option func(*Storage)

// WithClock overrides the clock used to timestamp flush-cycle suffixes.
func WithClock(now Clock) Option {
	return func(s *Storage) { s.now = now }
}

// WithBackoff overrides the delay used between Delete retries.
func WithBackoff(b Backoff) Option {
	return func(s *Storage) { s.backoff = b }
}

// New returns a Storage backed by store.
func New(store kv.Store, opts ...Option) *Storage {
	s := &Storage{store: store, now: time.Now, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RenewAuths writes every (metric -> authorization) pair into the auth hash
// for (serviceID, creds), batched at BatchSize fields per round trip, then
// sets the whole hash's TTL to ttl. All fields share one TTL: there is no
// field-level expiry in the KV store, so a partial write followed by a
// renewal failure simply leaves the previous cycle's values in place until
// the next successful renewal overwrites them.
func (s *Storage) RenewAuths(
	ctx context.Context,
	serviceID string,
	creds credentials.Credentials,
	authorizations map[string]authorization.Authorization,
	ttl time.Duration,
) error {
	key := storagekeys.AuthHashKey(serviceID, creds)

	fields := make(map[string]string, len(authorizations))
	for metric, auth := range authorizations {
		fields[metric] = auth.Serialize()
	}

	for batch := range batchStrings(fields) {
		if err := s.store.HSetBatch(ctx, key, batch); err != nil {
			return &RenewAuthError{ServiceID: serviceID, Creds: creds, Cause: err}
		}
	}

	if err := s.store.Expire(ctx, key, int64(ttl.Seconds())); err != nil {
		return &RenewAuthError{ServiceID: serviceID, Creds: creds, Cause: err}
	}
	return nil
}

// Report accumulates usage deltas for each application in reports,
// registering every touched report-hash key in the report_keys set so a
// future flush cycle will pick it up.
func (s *Storage) Report(ctx context.Context, reports []Report) error {
	for _, r := range reports {
		key := storagekeys.ReportHashKey(r.ServiceID, r.Creds)

		for batch := range batchInts(r.Usage) {
			if err := s.store.HIncrByBatch(ctx, key, batch); err != nil {
				return errors.Wrapf(err, "storage: reporting usage for service %s", r.ServiceID)
			}
		}
		if err := s.store.SAdd(ctx, storagekeys.ReportKeysSet, key); err != nil {
			return errors.Wrap(err, "storage: registering report key")
		}
	}
	return nil
}

// ReportsToFlush executes one atomic snapshot-and-rename flush cycle. It
// never returns an error: every failure mode is recoverable by a future
// cycle (stranded keys stay discoverable under deterministic names), so
// failures are logged and the cycle simply returns whatever it managed to
// recover.
func (s *Storage) ReportsToFlush(ctx context.Context) []FlushedReport {
	started := s.now()
	flushed := s.reportsToFlush(ctx)
	metrics.ObserveFlushCycle(s.now().Sub(started), len(flushed))
	return flushed
}

func (s *Storage) reportsToFlush(ctx context.Context) []FlushedReport {
	suffix := storagekeys.NewFlushSuffix(s.now())

	count, err := s.store.SCard(ctx, storagekeys.ReportKeysSet)
	if err != nil {
		log.Errorf("storage: checking report_keys cardinality: %s", err.Error())
		return nil
	}
	if count == 0 {
		return nil
	}

	flushingSet := storagekeys.FlushingReportKeysSet(suffix)
	if err := s.store.Rename(ctx, storagekeys.ReportKeysSet, flushingSet); err != nil {
		log.Errorf("storage: renaming report_keys to flushing set: %s", err.Error())
		return nil
	}

	reportKeys, err := s.store.SMembersDel(ctx, flushingSet)
	if err != nil {
		// The read failed; do not delete anything further. The flushing
		// set (if SMembersDel managed to avoid deleting on failure) or
		// its members remain discoverable for a manual recovery pass.
		log.Errorf("storage: reading flushing report keys: %s", err.Error())
		return nil
	}

	renamed := s.renameToFlushTargets(ctx, reportKeys, suffix)
	return s.collectFlushedReports(ctx, renamed, suffix)
}

// renameToFlushTargets renames each report key to its to_flush:<key><suffix>
// target with one RENAME call per key (not pipelined), walking the keys in
// BatchSize groups and logging one warning per group that had a failure.
// A key whose rename fails stays under its original name
// and is picked up again by the next cycle, because Report re-adds it to
// report_keys on every call.
func (s *Storage) renameToFlushTargets(ctx context.Context, reportKeys []string, suffix string) []string {
	renamed := make([]string, 0, len(reportKeys))

	for _, batch := range chunkStrings(reportKeys, BatchSize) {
		batchOK := true
		targets := make([]string, 0, len(batch))
		for _, key := range batch {
			target := storagekeys.NameKeyToFlush(key, suffix)
			if err := s.store.Rename(ctx, key, target); err != nil {
				log.Warnf("storage: renaming %s to flush target: %s", key, err.Error())
				batchOK = false
				continue
			}
			targets = append(targets, target)
		}
		if !batchOK {
			log.Warnf("storage: some report keys were not claimed this cycle and will retry next cycle")
		}
		renamed = append(renamed, targets...)
	}
	return renamed
}

// collectFlushedReports reads each renamed hash, decodes its key back into
// (service, credentials), and deletes the claimed keys with retry. A batch
// whose read fails is left in place rather than deleted, so its data is not
// lost.
func (s *Storage) collectFlushedReports(ctx context.Context, renamed []string, suffix string) []FlushedReport {
	var flushed []FlushedReport

	for _, batch := range chunkStrings(renamed, BatchSize) {
		hashes, err := s.store.HGetAllBatch(ctx, batch)
		if err != nil {
			log.Errorf("storage: some reports missing: %s", err.Error())
			continue
		}

		toDelete := make([]string, 0, len(batch))
		for _, key := range batch {
			fields, ok := hashes[key]
			if !ok || len(fields) == 0 {
				continue
			}

			serviceID, canonicalCreds, err := storagekeys.ServiceAndCreds(key, suffix)
			if err != nil {
				log.Errorf("storage: decoding flushed key %s: %s", key, err.Error())
				continue
			}

			usage := make(map[string]int64, len(fields))
			for metric, v := range fields {
				n, _ := strconv.ParseInt(v, 10, 64)
				usage[metric] = n
			}

			flushed = append(flushed, FlushedReport{ServiceID: serviceID, Creds: canonicalCreds, Usage: usage})
			toDelete = append(toDelete, key)
		}

		s.deleteWithRetry(ctx, toDelete)
	}

	return flushed
}

// deleteWithRetry retries Delete up to 3 times with Storage's configured
// backoff, logging a "cleanup error" naming the stranded keys on final
// failure. Stranding a to_flush key is safe: it is never picked up by a
// future cycle (only ReportKeysSet members are), so leaving it behind for
// manual inspection does not risk double-reporting, only a delayed cleanup.
func (s *Storage) deleteWithRetry(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.store.Del(ctx, keys...); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff(attempt)):
			}
			continue
		}
		return
	}
	log.Errorf("storage: cleanup error, stranded keys %v: %s", keys, lastErr.Error())
}

func batchStrings(fields map[string]string) <-chan map[string]string {
	out := make(chan map[string]string)
	go func() {
		defer close(out)
		batch := make(map[string]string, BatchSize)
		for k, v := range fields {
			batch[k] = v
			if len(batch) == BatchSize {
				out <- batch
				batch = make(map[string]string, BatchSize)
			}
		}
		if len(batch) > 0 {
			out <- batch
		}
	}()
	return out
}

func batchInts(fields map[string]int64) <-chan map[string]int64 {
	out := make(chan map[string]int64)
	go func() {
		defer close(out)
		batch := make(map[string]int64, BatchSize)
		for k, v := range fields {
			batch[k] = v
			if len(batch) == BatchSize {
				out <- batch
				batch = make(map[string]int64, BatchSize)
			}
		}
		if len(batch) > 0 {
			out <- batch
		}
	}()
	return out
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[0:size:size])
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
