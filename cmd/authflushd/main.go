// Command authflushd runs the Priority Auth Renewer daemon: it subscribes
// to renewal requests, authorizes them against the upstream backend,
// writes fresh authorizations into the cache, and publishes each decision
// on its response channel.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ratecache/authflush/internal/authflush/audit"
	"github.com/ratecache/authflush/internal/authflush/authorizer"
	"github.com/ratecache/authflush/internal/authflush/config"
	"github.com/ratecache/authflush/internal/authflush/httpserver"
	"github.com/ratecache/authflush/internal/authflush/kv"
	"github.com/ratecache/authflush/internal/authflush/options"
	"github.com/ratecache/authflush/internal/authflush/renewer"
	"github.com/ratecache/authflush/internal/authflush/storage"
	"github.com/ratecache/authflush/internal/authflush/upstream"
	"github.com/ratecache/authflush/internal/shutdown"
	"github.com/ratecache/authflush/internal/shutdown/posixsignal"
	"github.com/ratecache/authflush/pkg/log"
)

var progressMessage = color.GreenString("==>")

func main() {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Use:           "authflushd",
		Short:         "Priority Auth Renewer daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	cmd.Flags().SortFlags = true
	opts.AddFlags(cmd.Flags())
	config.AddConfigFlag(cmd)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	opts, err := config.LoadOptions(cmd)
	if err != nil {
		return err
	}

	if err := opts.Complete(); err != nil {
		return err
	}
	if errs := opts.Validate(); len(errs) != 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%v %v\n", color.RedString("Error:"), e)
		}
		return errs[0]
	}

	if _, err := maxprocs.Set(maxprocs.Logger(log.Infof)); err != nil {
		fmt.Fprintf(os.Stderr, "maxprocs: %v\n", err)
	}

	log.Init(opts.Log)
	defer log.Flush()

	log.Infof("%v Starting authflushd ...", progressMessage)
	log.Infof("%v Config: %s", progressMessage, opts.String())

	storageClient, err := newRedisClient(opts.Storage)
	if err != nil {
		return err
	}
	publisherClient, err := newRedisClient(opts.Publisher)
	if err != nil {
		return err
	}
	subscriberClient, err := newRedisClient(opts.Subscriber)
	if err != nil {
		return err
	}
	defer storageClient.Close()
	defer publisherClient.Close()
	defer subscriberClient.Close()

	kvStore := kv.NewRedisStore(storageClient)
	kvPublisher := kv.NewRedisStore(publisherClient)
	kvSubscriber := kv.NewRedisStore(subscriberClient)

	upstreamClient := upstream.NewHTTPClient(opts.Upstream.BaseURL, opts.Upstream.ServiceToken)
	auth := authorizer.New(upstreamClient)
	store := storage.New(kvStore)

	auditPool := audit.NewPool(kvStore, audit.Options{
		PoolSize:          opts.Audit.PoolSize,
		RecordsBufferSize: opts.Audit.RecordsBufferSize,
		FlushInterval:     opts.Audit.FlushInterval,
	})
	auditPool.Start()
	defer auditPool.Stop()

	threads := renewer.Threads{Min: opts.Threads.Min, Max: opts.Threads.Max}
	authValidSecs := time.Duration(opts.AuthValidSecs) * time.Second
	r, err := renewer.New(auth, store, kvPublisher, kvSubscriber, authValidSecs, threads, renewer.WithAuditRecorder(auditPool))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	renewerErr := make(chan error, 1)
	go func() { renewerErr <- r.Start(ctx) }()

	srv := httpserver.New(opts.ListenAddr)
	go func() {
		if err := srv.Start(); err != nil {
			log.Warnf("httpserver: stopped: %s", err.Error())
		}
	}()
	srv.SetReady(true)

	gs := shutdown.New()
	gs.AddShutdownManager(posixsignal.NewPosixSignalManager())
	gs.AddShutdownCallback(shutdown.ShutdownFunc(func(string) error {
		srv.SetReady(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		if err := r.Shutdown(shutdownCtx); err != nil {
			log.Errorf("renewer: shutdown: %s", err.Error())
		}
		r.Wait()

		cancel()
		return nil
	}))

	if err := gs.Start(); err != nil {
		return err
	}

	return <-renewerErr
}

func newRedisClient(o options.KVOptions) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
