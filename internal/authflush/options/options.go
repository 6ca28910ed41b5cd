// Package options defines the daemon's command-line and config-file
// surface: an Options struct with AddFlags/Validate/Complete/String, the
// same shape the teacher binds into its server options, minus the
// multi-command CLI template machinery this single-subcommand daemon
// does not need.
package options

import (
	"encoding/json"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/ratecache/authflush/pkg/log"
)

// KVOptions configures one logical connection to the KV store. storage,
// publisher, and subscriber each hold their own KVOptions because a
// connection in subscribe mode cannot also issue ordinary commands.
type KVOptions struct {
	Addr     string `json:"addr"     mapstructure:"addr"     validate:"required"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db"       mapstructure:"db"       validate:"min=0"`
}

func (o *KVOptions) addFlags(fs *pflag.FlagSet, prefix string) {
	fs.StringVar(&o.Addr, prefix+".addr", o.Addr, "address of the "+prefix+" KV connection, host:port")
	fs.StringVar(&o.Password, prefix+".password", o.Password, "password for the "+prefix+" KV connection")
	fs.IntVar(&o.DB, prefix+".db", o.DB, "database index for the "+prefix+" KV connection")
}

// ThreadsOptions mirrors renewer.Threads so it can carry validate tags and
// flag bindings without importing the renewer package from options.
type ThreadsOptions struct {
	Min int64 `json:"min" mapstructure:"min" validate:"required,min=1"`
	Max int64 `json:"max" mapstructure:"max" validate:"required,min=1"`
}

// UpstreamOptions configures the upstream authorization backend client.
type UpstreamOptions struct {
	BaseURL      string `json:"base-url"      mapstructure:"base-url"      validate:"required,url"`
	ServiceToken string `json:"service-token" mapstructure:"service-token" validate:"required"`
}

// AuditOptions configures the audit-record pool.
type AuditOptions struct {
	PoolSize          int           `json:"pool-size"           mapstructure:"pool-size"           validate:"min=1"`
	RecordsBufferSize int           `json:"records-buffer-size" mapstructure:"records-buffer-size" validate:"min=1"`
	FlushInterval     time.Duration `json:"flush-interval"      mapstructure:"flush-interval"`
}

// FlushOptions configures the periodic-flush ambient driver.
type FlushOptions struct {
	Interval time.Duration `json:"interval"  mapstructure:"interval"`
	LockTTL  time.Duration `json:"lock-ttl"  mapstructure:"lock-ttl"`
}

// Options is the daemon's full configuration surface: the union of what
// flags, a config file, and environment variables can set.
type Options struct {
	Storage    KVOptions       `json:"storage"       mapstructure:"storage"`
	Publisher  KVOptions       `json:"publisher"     mapstructure:"publisher"`
	Subscriber KVOptions       `json:"subscriber"    mapstructure:"subscriber"`
	Upstream   UpstreamOptions `json:"upstream"      mapstructure:"upstream"`
	Threads    ThreadsOptions  `json:"threads"       mapstructure:"threads"`
	Audit      AuditOptions    `json:"audit"         mapstructure:"audit"`
	Flush      FlushOptions    `json:"flush"         mapstructure:"flush"`

	AuthValidSecs int          `json:"auth-valid-secs" mapstructure:"auth-valid-secs" validate:"required,min=1"`
	ListenAddr    string       `json:"listen-addr"     mapstructure:"listen-addr"     validate:"required"`
	Log           *log.Options `json:"log"             mapstructure:"log"`
}

// NewOptions returns an Options populated with defaults, ready to have
// flags bound over it.
func NewOptions() *Options {
	return &Options{
		Storage:       KVOptions{Addr: "127.0.0.1:6379"},
		Publisher:     KVOptions{Addr: "127.0.0.1:6379"},
		Subscriber:    KVOptions{Addr: "127.0.0.1:6379"},
		Threads:       ThreadsOptions{Min: 5, Max: 50},
		Audit:         AuditOptions{PoolSize: 4, RecordsBufferSize: 4096, FlushInterval: 200 * time.Millisecond},
		Flush:         FlushOptions{Interval: 10 * time.Second, LockTTL: 30 * time.Second},
		AuthValidSecs: 300,
		ListenAddr:    ":8090",
		Log:           log.NewOptions(),
	}
}

// AddFlags binds every Options field onto fs, the way the teacher's
// Options implementations bind each sub-options group in turn.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Storage.addFlags(fs, "storage")
	o.Publisher.addFlags(fs, "publisher")
	o.Subscriber.addFlags(fs, "subscriber")

	fs.StringVar(&o.Upstream.BaseURL, "upstream.base-url", o.Upstream.BaseURL, "base URL of the upstream authorization backend")
	fs.StringVar(&o.Upstream.ServiceToken, "upstream.service-token", o.Upstream.ServiceToken, "service token for the upstream authorization backend")

	fs.Int64Var(&o.Threads.Min, "threads.min", o.Threads.Min, "minimum renewer worker pool size")
	fs.Int64Var(&o.Threads.Max, "threads.max", o.Threads.Max, "maximum renewer worker pool size")

	fs.IntVar(&o.Audit.PoolSize, "audit.pool-size", o.Audit.PoolSize, "number of audit flush workers")
	fs.IntVar(&o.Audit.RecordsBufferSize, "audit.records-buffer-size", o.Audit.RecordsBufferSize, "size of the audit record buffer")
	fs.DurationVar(&o.Audit.FlushInterval, "audit.flush-interval", o.Audit.FlushInterval, "interval between audit batch flushes")

	fs.DurationVar(&o.Flush.Interval, "flush.interval", o.Flush.Interval, "interval between periodic flush cycles")
	fs.DurationVar(&o.Flush.LockTTL, "flush.lock-ttl", o.Flush.LockTTL, "TTL of the distributed flush lock")

	fs.IntVar(&o.AuthValidSecs, "auth-valid-secs", o.AuthValidSecs, "TTL, in seconds, of a renewed authorization cache entry")
	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "address the ops HTTP server (healthz/readyz/metrics/pprof) listens on")

	fs.StringVar(&o.Log.Level, "log.level", o.Log.Level, "minimum log level")
	fs.StringVar(&o.Log.Format, "log.format", o.Log.Format, "log output format, console or json")
	fs.BoolVar(&o.Log.EnableColor, "log.enable-color", o.Log.EnableColor, "colorize console log output")
}

// Validate checks structural constraints that field-level validate tags
// cannot express on their own (cross-field relationships), then runs the
// struct through go-playground/validator for everything else, mirroring
// the teacher's practice of aggregating every configuration error before
// returning instead of failing fast on the first one.
func (o *Options) Validate() []error {
	var errs []error

	if o.Threads.Min > o.Threads.Max {
		errs = append(errs, errors.Errorf("threads.min (%d) must not exceed threads.max (%d)", o.Threads.Min, o.Threads.Max))
	}

	v := validator.New()
	if err := v.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, errors.Errorf("%s: %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	return errs
}

// Complete fills in anything Validate does not require but a clean run
// benefits from. Currently a no-op hook kept for parity with the
// teacher's Options.Complete() shape, in case future defaulting (e.g.
// deriving publisher/subscriber addresses from storage when unset) needs
// a home.
func (o *Options) Complete() error {
	return nil
}

// String renders Options as indented JSON for the startup banner, the
// same approach the teacher's Options.String uses.
func (o *Options) String() string {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Sprintf("<options marshal error: %s>", err.Error())
	}
	return string(data)
}
