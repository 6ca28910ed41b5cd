package renewer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratecache/authflush/internal/authflush/authorizer"
	"github.com/ratecache/authflush/internal/authflush/credentials"
	"github.com/ratecache/authflush/internal/authflush/kv/kvtest"
	"github.com/ratecache/authflush/internal/authflush/renewer"
	"github.com/ratecache/authflush/internal/authflush/storage"
	"github.com/ratecache/authflush/internal/authflush/storagekeys"
	"github.com/ratecache/authflush/internal/authflush/upstream"
)

type countingClient struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (c *countingClient) Authorize(ctx context.Context, _ upstream.Params) (upstream.AuthResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	if c.err != nil {
		return upstream.AuthResult{}, c.err
	}
	return upstream.AuthResult{Success: true}, nil
}

func (c *countingClient) OAuthAuthorize(ctx context.Context, params upstream.Params) (upstream.AuthResult, error) {
	return c.Authorize(ctx, params)
}

func (c *countingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestRenewer(t *testing.T, client upstream.Client, threads renewer.Threads) (*renewer.PriorityAuthRenewer, *kvtest.Store) {
	t.Helper()
	store := kvtest.New()
	a := authorizer.New(client)
	s := storage.New(store)

	r, err := renewer.New(a, s, store, store, 60*time.Second, threads)
	require.NoError(t, err)
	return r, store
}

// waitForSubscriber polls until the renewer's Subscribe call (issued from
// its own goroutine inside Start) has actually registered, so publishing a
// test message cannot race ahead of it and be silently dropped the way a
// real pub/sub broadcast would drop a message with no subscriber yet.
func waitForSubscriber(t *testing.T, store *kvtest.Store, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.SubscriberCount(channel) > 0
	}, time.Second, 2*time.Millisecond)
}

func TestPriorityAuthRenewer_RenewsAndPublishes(t *testing.T) {
	client := &countingClient{}
	r, store := newTestRenewer(t, client, renewer.Threads{Min: 1, Max: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.Start(ctx) }()
	waitForSubscriber(t, store, storagekeys.AuthRequestsChannel)

	creds := credentials.New(map[string]string{"user_key": "uk1"})
	require.NoError(t, store.Publish(ctx, storagekeys.AuthRequestsChannel, storagekeys.EncodeAuthRequest("svc1", creds, "hits")))

	require.Eventually(t, func() bool {
		return store.Hash(storagekeys.AuthHashKey("svc1", creds))["hits"] == "1"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, p := range store.Published() {
			if p.Channel == storagekeys.PubsubAuthsRespChannel("svc1", creds, "hits") && p.Message == "1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPriorityAuthRenewer_DeduplicatesConcurrentRequestsForSameTuple(t *testing.T) {
	client := &countingClient{delay: 80 * time.Millisecond}
	r, store := newTestRenewer(t, client, renewer.Threads{Min: 1, Max: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.Start(ctx) }()
	waitForSubscriber(t, store, storagekeys.AuthRequestsChannel)

	creds := credentials.New(map[string]string{"user_key": "uk1"})
	msg := storagekeys.EncodeAuthRequest("svc1", creds, "hits")

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Publish(ctx, storagekeys.AuthRequestsChannel, msg))
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, client.Calls())
}

func TestPriorityAuthRenewer_MalformedMessageIsSkippedNotFatal(t *testing.T) {
	client := &countingClient{}
	r, store := newTestRenewer(t, client, renewer.Threads{Min: 1, Max: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.Start(ctx) }()
	waitForSubscriber(t, store, storagekeys.AuthRequestsChannel)

	require.NoError(t, store.Publish(ctx, storagekeys.AuthRequestsChannel, "not a valid request"))

	creds := credentials.New(map[string]string{"user_key": "uk1"})
	require.NoError(t, store.Publish(ctx, storagekeys.AuthRequestsChannel, storagekeys.EncodeAuthRequest("svc1", creds, "hits")))

	require.Eventually(t, func() bool {
		return client.Calls() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPriorityAuthRenewer_ShutdownDrainsInFlightTasks(t *testing.T) {
	client := &countingClient{delay: 100 * time.Millisecond}
	r, store := newTestRenewer(t, client, renewer.Threads{Min: 1, Max: 2})

	ctx := context.Background()
	go func() { _ = r.Start(ctx) }()
	waitForSubscriber(t, store, storagekeys.AuthRequestsChannel)

	creds := credentials.New(map[string]string{"user_key": "uk1"})
	require.NoError(t, store.Publish(ctx, storagekeys.AuthRequestsChannel, storagekeys.EncodeAuthRequest("svc1", creds, "hits")))

	// Give the message a moment to be picked up and dispatched to a
	// worker before Shutdown is called, so the drain actually has
	// something in flight to wait on.
	time.Sleep(10 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	r.Wait()

	assert.Equal(t, "1", store.Hash(storagekeys.AuthHashKey("svc1", creds))["hits"])
}

func TestPriorityAuthRenewer_ShutdownStopsAcceptingNewMessages(t *testing.T) {
	client := &countingClient{}
	r, store := newTestRenewer(t, client, renewer.Threads{Min: 1, Max: 2})

	ctx := context.Background()
	go func() { _ = r.Start(ctx) }()
	waitForSubscriber(t, store, storagekeys.AuthRequestsChannel)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	r.Wait()

	creds := credentials.New(map[string]string{"user_key": "uk1"})
	_ = store.Publish(ctx, storagekeys.AuthRequestsChannel, storagekeys.EncodeAuthRequest("svc1", creds, "hits"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, client.Calls())
}

func TestThreads_Validate(t *testing.T) {
	cases := []struct {
		name    string
		threads renewer.Threads
		wantErr bool
	}{
		{"valid", renewer.Threads{Min: 1, Max: 2}, false},
		{"max zero", renewer.Threads{Min: 1, Max: 0}, true},
		{"min zero", renewer.Threads{Min: 0, Max: 2}, true},
		{"min greater than max", renewer.Threads{Min: 3, Max: 2}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.threads.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
