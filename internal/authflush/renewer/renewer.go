// Package renewer implements the Priority Auth Renewer: a pub/sub-driven,
// deduplicating, bounded-concurrency worker pool that services cache-miss
// renewal requests from client handlers, calls the authorizer, writes fresh
// authorizations into the cache, and publishes the result on a per-request
// response channel.
package renewer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pkg/errors"

	"github.com/ratecache/authflush/internal/authflush/audit"
	"github.com/ratecache/authflush/internal/authflush/authorizer"
	"github.com/ratecache/authflush/internal/authflush/kv"
	"github.com/ratecache/authflush/internal/authflush/metrics"
	"github.com/ratecache/authflush/internal/authflush/storage"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
	"github.com/ratecache/authflush/pkg/log"
)

// Threads sizes the bounded worker pool. Max bounds concurrent renewal
// tasks; Min is accepted and validated for configuration compatibility
// with the design this renewer is based on, but goroutines are cheap
// enough here that no warm/cold pool distinction is implemented — every
// slot up to Max is created on demand and released back to the semaphore
// when a task completes.
type Threads struct {
	Min int64
	Max int64
}

// Validate reports whether Min and Max form a sane pool size.
func (t Threads) Validate() error {
	if t.Max <= 0 {
		return errThreadsMaxNotPositive
	}
	if t.Min <= 0 {
		return errThreadsMinNotPositive
	}
	if t.Min > t.Max {
		return errThreadsMinGreaterThanMax
	}
	return nil
}

var (
	errThreadsMaxNotPositive    = errors.New("renewer: threads.max must be positive")
	errThreadsMinNotPositive    = errors.New("renewer: threads.min must be positive")
	errThreadsMinGreaterThanMax = errors.New("renewer: threads.min must not exceed threads.max")
)

type dedupKey struct {
	serviceID string
	creds     string
	metric    string
}

// PriorityAuthRenewer is the renewer core. Construct with New and run with
// Start; Start blocks until the context is cancelled or Shutdown is
// called.
type PriorityAuthRenewer struct {
	authorizer    *authorizer.Authorizer
	storage       *storage.Storage
	publisher     kv.Publisher
	subscriber    kv.Subscriber
	authValidSecs time.Duration
	audit         audit.Recorder

	sem *semaphore.Weighted

	mu      sync.Mutex
	current map[dedupKey]struct{}
	sub     kv.Subscription

	wg      sync.WaitGroup
	stopped uint32
	done    chan struct{}
}

// Option configures a PriorityAuthRenewer at construction.
type Option func(*PriorityAuthRenewer)

// WithAuditRecorder attaches a Recorder. Without one, renewals are not
// audited.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(p *PriorityAuthRenewer) { p.audit = r }
}

// New returns a PriorityAuthRenewer. publisher and subscriber must be
// distinct KV connections: a connection in subscribe mode cannot issue
// ordinary commands.
func New(
	a *authorizer.Authorizer,
	s *storage.Storage,
	publisher kv.Publisher,
	subscriber kv.Subscriber,
	authValidSecs time.Duration,
	threads Threads,
	opts ...Option,
) (*PriorityAuthRenewer, error) {
	if err := threads.Validate(); err != nil {
		return nil, err
	}

	r := &PriorityAuthRenewer{
		authorizer:    a,
		storage:       s,
		publisher:     publisher,
		subscriber:    subscriber,
		authValidSecs: authValidSecs,
		sem:           semaphore.NewWeighted(threads.Max),
		current:       map[dedupKey]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start subscribes to storagekeys.AuthRequestsChannel and blocks servicing
// requests until ctx is cancelled or Shutdown closes the subscription.
// Returns nil on either graceful path, or a non-nil error if the initial
// subscribe call fails — the caller is expected to log that and treat it
// as fatal (process restart), since a renewer that cannot subscribe serves
// no purpose.
func (r *PriorityAuthRenewer) Start(ctx context.Context) error {
	sub, err := r.subscriber.Subscribe(ctx, storagekeys.AuthRequestsChannel)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sub = sub
	r.done = make(chan struct{})
	r.mu.Unlock()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Receive():
			if !ok {
				return nil
			}
			r.handleMessage(ctx, msg.Payload)
		}
	}
}

// Wait blocks until a Start call has returned. Tests use a
// Shutdown(ctx); Wait() sequence to observe the subscription loop having
// fully exited.
func (r *PriorityAuthRenewer) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown stops the subscription loop from accepting further messages,
// waits for in-flight tasks to drain, then closes the subscription.
func (r *PriorityAuthRenewer) Shutdown(ctx context.Context) error {
	atomic.StoreUint32(&r.stopped, 1)

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (r *PriorityAuthRenewer) handleMessage(ctx context.Context, payload string) {
	if atomic.LoadUint32(&r.stopped) > 0 {
		return
	}

	req, err := storagekeys.DecodeAuthRequest(payload)
	if err != nil {
		log.Errorf("renewer: malformed auth request: %s", err.Error())
		return
	}

	key := dedupKey{serviceID: req.ServiceID, creds: req.Creds.CanonicalString(), metric: req.Metric}

	r.mu.Lock()
	if _, inFlight := r.current[key]; inFlight {
		r.mu.Unlock()
		metrics.IncDedupSkip()
		return
	}
	r.current[key] = struct{}{}
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		// Context cancelled while waiting for pool capacity; the
		// subscription loop is shutting down anyway.
		log.Errorf("renewer: dispatching service %s metric %s: %s", req.ServiceID, req.Metric, err.Error())
		r.clearDedup(key)
		return
	}

	r.wg.Add(1)
	go r.renewAndPublish(ctx, req, key)
}

func (r *PriorityAuthRenewer) clearDedup(key dedupKey) {
	r.mu.Lock()
	delete(r.current, key)
	r.mu.Unlock()
}

func (r *PriorityAuthRenewer) renewAndPublish(ctx context.Context, req storagekeys.AuthRequest, key dedupKey) {
	started := time.Now()
	outcome := "success"
	defer r.wg.Done()
	defer r.sem.Release(1)
	defer r.clearDedup(key)
	defer func() { metrics.ObserveRenewal(outcome, time.Since(started)) }()
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panic"
			log.Errorf("renewer: panic while renewing service %s metric %s: %v", req.ServiceID, req.Metric, rec)
		}
	}()

	authorizations, err := r.authorizer.Authorizations(ctx, req.ServiceID, req.Creds, []string{req.Metric})
	if err != nil {
		outcome = "authorize_error"
		log.Errorf("renewer: authorizing service %s metric %s: %s", req.ServiceID, req.Metric, err.Error())
		return
	}

	if err := r.storage.RenewAuths(ctx, req.ServiceID, req.Creds, authorizations, r.authValidSecs); err != nil {
		outcome = "storage_error"
		log.Errorf("renewer: writing auths for service %s: %s", req.ServiceID, err.Error())
		return
	}

	decision := authorizations[req.Metric]
	channel := storagekeys.PubsubAuthsRespChannel(req.ServiceID, req.Creds, req.Metric)
	if err := r.publisher.Publish(ctx, channel, decision.Serialize()); err != nil {
		log.Warnf("renewer: publishing response for service %s metric %s: %s", req.ServiceID, req.Metric, err.Error())
	}

	if r.audit != nil {
		r.audit.RecordHit(audit.NewRecord(req.ServiceID, req.Creds.CanonicalString(), req.Metric, decision.Serialize(), time.Now()))
	}
}
