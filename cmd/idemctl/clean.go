package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"

	"github.com/dshills/idempotent-go/workflow/store"
)

type storeConfig struct {
	kind   string
	dsn    string
	prefix string
}

// openStore connects to the store named by cfg.kind.
func openStore(ctx context.Context, cfg storeConfig, logger logr.Logger) (store.Store, error) {
	if cfg.dsn == "" {
		return nil, errors.New("--dsn is required")
	}
	opts := []store.Option{store.WithLogger(logger)}
	if cfg.prefix != "" {
		opts = append(opts, store.WithPrefix(cfg.prefix))
	}

	switch strings.ToLower(cfg.kind) {
	case "sqlite":
		return store.NewSQLiteStore(cfg.dsn, opts...)
	case "mysql":
		return store.NewMySQLStore(cfg.dsn, opts...)
	case "postgres", "postgresql":
		return store.NewPostgresStore(ctx, cfg.dsn, opts...)
	case "redis":
		return store.NewRedisStore(ctx, cfg.dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite, mysql, postgres or redis)", cfg.kind)
	}
}

func runClean(ctx context.Context, args []string, out io.Writer, logger logr.Logger) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	cfg := storeConfig{}
	fs.StringVar(&cfg.kind, "store", envOr("STORE", "sqlite"), "store kind")
	fs.StringVar(&cfg.dsn, "dsn", envOr("DSN", ""), "store DSN, file path or address")
	fs.StringVar(&cfg.prefix, "prefix", envOr("PREFIX", ""), "redis key prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Disconnect(context.WithoutCancel(ctx)) }()

	janitor, err := store.NewJanitor("@every 1m", logger, st)
	if err != nil {
		return err
	}
	removed, err := janitor.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d expired records from %s\n", removed, cfg.kind)
	return nil
}
