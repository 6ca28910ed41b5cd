// Package config loads an options.Options from a config file, environment
// variables, and command-line flags, merged the way the teacher's app.go
// merges viper-bound flags over a config file (flags win on conflict).
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ratecache/authflush/internal/authflush/options"
)

const envPrefix = "AUTHFLUSH"

// AddConfigFlag registers the --config flag on cmd and wires viper to read
// that file, matching the teacher's addConfigFlag helper.
func AddConfigFlag(cmd *cobra.Command) {
	var cfgFile string
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (YAML, JSON, or TOML)")
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("authflushd")
			viper.AddConfigPath(".")
			viper.AddConfigPath("/etc/authflush")
		}
		viper.SetEnvPrefix(envPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
	})
}

// LoadOptions binds cmd's flags over whatever viper already holds from the
// config file and environment, then unmarshals the merged result into a
// fresh Options.
func LoadOptions(cmd *cobra.Command) (*options.Options, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "config: binding flags")
	}

	opts := options.NewOptions()
	if err := viper.Unmarshal(opts); err != nil {
		return nil, errors.Wrap(err, "config: unmarshaling merged configuration")
	}
	return opts, nil
}
