package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/wordquizzle/pkg/datastore"
	"github.com/NicolasHaas/wordquizzle/pkg/dictionary"
	"github.com/NicolasHaas/wordquizzle/pkg/logging"
	"github.com/NicolasHaas/wordquizzle/pkg/registry"
	"github.com/NicolasHaas/wordquizzle/pkg/server"
	"github.com/NicolasHaas/wordquizzle/pkg/store"
	"github.com/NicolasHaas/wordquizzle/pkg/translate"
	"github.com/NicolasHaas/wordquizzle/pkg/version"
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	cobra.CheckErr(newCmd(defaultOptions(), run).Execute())
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	logger, err := logging.Setup(logging.Options{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	st, err := openStore(opts)
	if err != nil {
		return err
	}
	reg := registry.New(st, logger)
	if err := reg.Load(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("load accounts: %w", err)
	}
	if db, ok := st.(*datastore.ProviderFactory); ok {
		logSnapshot(ctx, logger, db)
	}

	if opts.exportAccounts {
		defer st.Close()
		data, err := server.ExportAccountsYAML(reg.Snapshot())
		if err != nil {
			return fmt.Errorf("export accounts: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	dict, err := dictionary.Load(opts.dictionaryFile)
	if err != nil {
		_ = st.Close()
		return err
	}
	translator, err := openTranslator(opts)
	if err != nil {
		_ = st.Close()
		return err
	}

	logger.Info("starting", "version", version.Full(), "store", opts.storeKind, "translator", opts.translator)
	srv := server.New(opts.server, server.Dependencies{
		Registry:   reg,
		Dictionary: dict,
		Translator: translator,
		Store:      st,
		Logger:     logger,
	})
	return srv.Run()
}

func logSnapshot(ctx context.Context, logger *slog.Logger, db *datastore.ProviderFactory) {
	info, err := db.Info(ctx)
	if err != nil {
		logger.Warn("snapshot info unavailable", "err", err)
		return
	}
	if info.SavedAt.IsZero() {
		logger.Info("no saved snapshot yet")
		return
	}
	logger.Info("loaded snapshot", "saved_at", info.SavedAt, "revision", info.Revision, "accounts", info.Accounts)
}

func openStore(opts *options) (store.AccountStore, error) {
	switch opts.storeKind {
	case "redis":
		cfg := store.DefaultRedisConfig()
		cfg.URL = opts.redisURL
		cfg.KeyPrefix = opts.redisPrefix
		return store.NewRedis(cfg)
	case "memory":
		slog.Warn("accounts are kept in memory only and are lost on exit")
		return store.NewMemory(), nil
	default:
		return datastore.NewProviderFactory(opts.dbPath)
	}
}

func openTranslator(opts *options) (translate.Provider, error) {
	if opts.translator == "static" {
		return translate.LoadStatic(opts.translationsFile)
	}
	cfg := translate.DefaultMyMemoryConfig()
	cfg.BaseURL = opts.translateURL
	cfg.LangPair = opts.langPair
	cfg.Rate = opts.translateRate
	cfg.Timeout = opts.translateTimeout
	return translate.NewMyMemory(cfg, &http.Client{Timeout: cfg.Timeout}), nil
}
