package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/wordquizzle/pkg/logging"
	"github.com/NicolasHaas/wordquizzle/pkg/server"
	"github.com/NicolasHaas/wordquizzle/pkg/store"
	"github.com/NicolasHaas/wordquizzle/pkg/translate"
	"github.com/NicolasHaas/wordquizzle/pkg/version"
)

const envPrefix = "WORDQUIZZLE"

// options is everything the command line controls.
type options struct {
	server server.Config

	configFile string

	storeKind   string // sqlite, redis or memory
	dbPath      string
	redisURL    string
	redisPrefix string

	dictionaryFile string

	translator       string // mymemory or static
	translateURL     string
	langPair         string
	translateRate    float64
	translateTimeout time.Duration
	translationsFile string

	logLevel  string
	logFormat string

	exportAccounts bool
}

func defaultOptions() *options {
	mm := translate.DefaultMyMemoryConfig()
	return &options{
		server:           server.DefaultConfig(),
		storeKind:        "sqlite",
		dbPath:           "wordquizzle.db",
		redisURL:         store.DefaultRedisConfig().URL,
		redisPrefix:      store.DefaultRedisConfig().KeyPrefix,
		dictionaryFile:   "dictionary.txt",
		translator:       "mymemory",
		translateURL:     mm.BaseURL,
		langPair:         mm.LangPair,
		translateRate:    mm.Rate,
		translateTimeout: mm.Timeout,
		logLevel:         "info",
		logFormat:        "text",
	}
}

func (o *options) validate() error {
	switch o.storeKind {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown --store %q (valid: sqlite, redis, memory)", o.storeKind)
	}
	switch o.translator {
	case "mymemory":
	case "static":
		if o.translationsFile == "" {
			return errors.New("--translator static needs --translations")
		}
	default:
		return fmt.Errorf("unknown --translator %q (valid: mymemory, static)", o.translator)
	}
	if _, err := logging.ParseLevel(o.logLevel); err != nil {
		return err
	}
	if o.exportAccounts {
		return nil
	}
	return o.server.Validate()
}

func newCmd(opts *options, run func(context.Context, *cobra.Command, *options) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "wordquizzle-server",
		Short:   "Multiplayer word translation challenge server.",
		Args:    cobra.ExactArgs(0),
		Version: version.Full(),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(v, cmd.Flags(), opts.configFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cmd, opts)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cfg := &opts.server
	fs.StringVar(&opts.configFile, "config", "", "YAML config file with the same keys as the flags (env: WORDQUIZZLE_CONFIG)")
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "TCP bind address for client commands")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP bind address for /metrics (empty to disable)")
	fs.IntVar(&cfg.Words, "words", cfg.Words, "words per match")
	fs.IntVar(&cfg.CorrectBonus, "correct-bonus", cfg.CorrectBonus, "points for a right translation")
	fs.IntVar(&cfg.WrongPenalty, "wrong-penalty", cfg.WrongPenalty, "points lost for a wrong translation")
	fs.IntVar(&cfg.WinBonus, "win-bonus", cfg.WinBonus, "extra points for the match winner")
	fs.DurationVar(&cfg.AcceptTimeout, "accept-timeout", cfg.AcceptTimeout, "time an invitee has to accept a challenge")
	fs.DurationVar(&cfg.MatchDuration, "match-duration", cfg.MatchDuration, "length of a match")
	fs.IntVar(&cfg.MaxMessage, "max-message", cfg.MaxMessage, "largest command or reply, in bytes")
	fs.Float64Var(&cfg.LoginRate, "login-rate", cfg.LoginRate, "failed logins refilled per second, per connection")
	fs.IntVar(&cfg.LoginBurst, "login-burst", cfg.LoginBurst, "failed logins allowed back to back")
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "periodic metrics log (0 to disable)")

	fs.StringVar(&opts.storeKind, "store", opts.storeKind, "account store: sqlite, redis or memory")
	fs.StringVar(&opts.dbPath, "db", opts.dbPath, "SQLite database file path")
	fs.StringVar(&opts.redisURL, "redis-url", opts.redisURL, "Redis connection URL")
	fs.StringVar(&opts.redisPrefix, "redis-prefix", opts.redisPrefix, "prefix for Redis keys")
	fs.StringVar(&opts.dictionaryFile, "dictionary", opts.dictionaryFile, "word list, one word per line")

	fs.StringVar(&opts.translator, "translator", opts.translator, "translation source: mymemory or static")
	fs.StringVar(&opts.translateURL, "translate-url", opts.translateURL, "MyMemory lookup endpoint")
	fs.StringVar(&opts.langPair, "lang-pair", opts.langPair, "MyMemory language pair")
	fs.Float64Var(&opts.translateRate, "translate-rate", opts.translateRate, "MyMemory requests per second (0 = unlimited)")
	fs.DurationVar(&opts.translateTimeout, "translate-timeout", opts.translateTimeout, "MyMemory request timeout")
	fs.StringVar(&opts.translationsFile, "translations", "", "YAML translation table for --translator static")

	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: "+logging.LevelNames())
	fs.StringVar(&opts.logFormat, "log-format", opts.logFormat, "log format: text or json")
	fs.BoolVar(&opts.exportAccounts, "export-accounts", false, "print all accounts as YAML and exit")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("wordquizzle-server {{.Version}}\n")
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// applyEnv fills every flag not given on the command line from the
// environment or, failing that, the config file.
func applyEnv(v *viper.Viper, fs *pflag.FlagSet, configFile string) error {
	if configFile == "" {
		configFile = v.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
