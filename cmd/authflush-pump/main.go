// Command authflush-pump periodically drains accumulated usage reports
// via storage.ReportsToFlush, guarded by a distributed lock so only one
// replica flushes at a time, and hands the flushed batch to a reference
// drain step. Production deployments are expected to replace the drain
// step with delivery to their own downstream reporting pipeline; this
// command exists to exercise and demonstrate the flush protocol end to
// end, matching the teacher's own cron-driven internal/watcher pattern.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	goredis "github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ratecache/authflush/internal/authflush/config"
	"github.com/ratecache/authflush/internal/authflush/flushcoordinator"
	"github.com/ratecache/authflush/internal/authflush/kv"
	"github.com/ratecache/authflush/internal/authflush/options"
	"github.com/ratecache/authflush/internal/authflush/storage"
	"github.com/ratecache/authflush/internal/shutdown"
	"github.com/ratecache/authflush/internal/shutdown/posixsignal"
	"github.com/ratecache/authflush/pkg/log"
)

func main() {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Use:           "authflush-pump",
		Short:         "periodic usage-report flush driver",
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
		return errs[0]
	}

	log.Init(opts.Log)
	defer log.Flush()

	client := goredis.NewClient(&goredis.Options{Addr: opts.Storage.Addr, Password: opts.Storage.Password, DB: opts.Storage.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return err
	}
	defer client.Close()

	store := storage.New(kv.NewRedisStore(client))

	rs := redsync.New(redsyncredis.NewPool(client))
	coordinator := flushcoordinator.New(rs, redsync.WithExpiry(opts.Flush.LockTTL))

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(stdLogAdapter{})))
	_, err = c.AddFunc(fmt.Sprintf("@every %s", opts.Flush.Interval), func() {
		_ = coordinator.WithFlush(func() {
			flushed := store.ReportsToFlush(context.Background())
			drain(flushed)
		})
	})
	if err != nil {
		return err
	}
	c.Start()

	gs := shutdown.New()
	gs.AddShutdownManager(posixsignal.NewPosixSignalManager())
	gs.AddShutdownCallback(shutdown.ShutdownFunc(func(string) error {
		<-c.Stop().Done()
		return nil
	}))

	if err := gs.Start(); err != nil {
		return err
	}

	select {}
}

// drain is the reference delivery step: it logs what a flush cycle
// recovered. A real deployment replaces this with delivery to its own
// downstream usage-reporting pipeline.
func drain(reports []storage.FlushedReport) {
	if len(reports) == 0 {
		return
	}
	log.Infof("authflush-pump: flushed %d report(s)", len(reports))
	for _, r := range reports {
		log.Debugf("authflush-pump: service=%s creds=%s usage=%v", r.ServiceID, r.Creds, r.Usage)
	}
}

type stdLogAdapter struct{}

func (stdLogAdapter) Printf(format string, args ...interface{}) {
	log.Infof(format, args...)
}
