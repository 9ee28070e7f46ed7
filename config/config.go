// Package config describes how to reach the Store and loads that
// description from the environment, a config file, or flags. Recipes
// themselves never import this package: they take fully-resolved Go values
// (endpoints, timeouts, loggers), the same separation the teacher keeps
// between internal/pkg/service/common/etcdclient/config.go (how to connect)
// and the recipe/business code that just receives a *clientv3.Client.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

// Config describes how to connect to the etcd cluster backing the
// recipes. Struct tags follow the teacher's configUsage/validate idiom
// (etcdclient/config.go), with mapstructure tags, read by viper, naming each
// key.
type Config struct {
	Endpoints         []string      `mapstructure:"endpoints" configUsage:"Etcd cluster endpoints." validate:"required,min=1"`
	Namespace         string        `mapstructure:"namespace" configUsage:"Key prefix every recipe path is rooted under."`
	Username          string        `mapstructure:"username" configUsage:"Etcd username."`
	Password          string        `mapstructure:"password" configUsage:"Etcd password." sensitive:"true"`
	ConnectTimeout    time.Duration `mapstructure:"connect-timeout" configUsage:"Dial timeout." validate:"required"`
	KeepAliveTimeout  time.Duration `mapstructure:"keep-alive-timeout" configUsage:"Keep-alive RPC timeout." validate:"required"`
	KeepAliveInterval time.Duration `mapstructure:"keep-alive-interval" configUsage:"Keep-alive ping interval." validate:"required"`
	DebugOpLogs       bool          `mapstructure:"debug-op-logs" configUsage:"Log every KV operation at debug level."`
}

func Default() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		KeepAliveTimeout:  5 * time.Second,
		KeepAliveInterval: 10 * time.Second,
	}
}

// Normalize trims whitespace/slashes the way etcdclient/config.go's
// Normalize does, so "Namespace" can always be used as a prefix directly.
func (c *Config) Normalize() {
	for i, e := range c.Endpoints {
		c.Endpoints[i] = strings.TrimSpace(e)
	}
	c.Namespace = strings.Trim(strings.TrimSpace(c.Namespace), "/")
}

// Validate runs the struct's `validate` tags via go-playground/validator.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.InvalidArgumentError{Message: err.Error()}
	}
	return nil
}

// NewFlagSet registers one flag per Config field into fs, using each
// field's current value as the flag default, mirroring
// internal/pkg/service/common/cliconfig/flags.go's GenerateFlags.
func NewFlagSet(c *Config, fs *pflag.FlagSet) {
	fs.StringSlice("endpoints", c.Endpoints, "Etcd cluster endpoints.")
	fs.String("namespace", c.Namespace, "Key prefix every recipe path is rooted under.")
	fs.String("username", c.Username, "Etcd username.")
	fs.String("password", c.Password, "Etcd password.")
	fs.Duration("connect-timeout", c.ConnectTimeout, "Dial timeout.")
	fs.Duration("keep-alive-timeout", c.KeepAliveTimeout, "Keep-alive RPC timeout.")
	fs.Duration("keep-alive-interval", c.KeepAliveInterval, "Keep-alive ping interval.")
	fs.Bool("debug-op-logs", c.DebugOpLogs, "Log every KV operation at debug level.")
}

// Load builds a Config from defaults, an optional config file (read through
// fs, so tests can supply an in-memory afero.Fs), environment variables
// prefixed with envPrefix, and the already-parsed flags pflag set (may be
// nil). Env and flags override the file; the file overrides defaults.
func Load(fs afero.Fs, envPrefix, configFile string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	// AutomaticEnv only reaches Unmarshal for keys viper already knows, so
	// every Config key is bound to its environment variable explicitly.
	for _, key := range []string{
		"endpoints", "namespace", "username", "password",
		"connect-timeout", "keep-alive-timeout", "keep-alive-interval", "debug-op-logs",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, errors.Errorf("config: cannot bind env %q: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Errorf("config: cannot read %q: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, errors.Errorf("config: cannot bind flags: %w", err)
		}
	}

	// AutomaticEnv never splits a comma-separated string into a slice on its
	// own; StringToSliceHookFunc is what lets ETCDRECIPES_ENDPOINTS hold
	// several endpoints the same way a flag does.
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, errors.Errorf("config: cannot unmarshal: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
