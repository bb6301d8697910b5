package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/config"
	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/logging"
)

// loadConfig reads the environment and applies command-line overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("accounts") {
		cfg.AccountsFile = cmd.String("accounts")
	}
	if cmd.IsSet("database-url") {
		cfg.DatabaseURL = cmd.String("database-url")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("listen") {
		cfg.ListenAddr = cmd.String("listen")
	}
	if cmd.IsSet("concurrency") {
		cfg.WorkerConcurrency = int(cmd.Int("concurrency"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	return cfg, nil
}

// openStore returns the configured account store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (accounts.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		store, err := accounts.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return accounts.NewFileStore(cfg.AccountsFile), func() {}, nil
}

func loadAccounts(ctx context.Context, cfg *config.Config) ([]accounts.Account, error) {
	store, release, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer release()
	return store.ListAccounts(ctx)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	accts, err := loadAccounts(ctx, cfg)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, accts)
	if err != nil {
		return err
	}
	logging.Info("fileproviderd starting",
		zap.String("listen", cfg.ListenAddr),
		zap.Int("accounts", len(accts)),
		zap.String("version", version))

	err = d.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.S().Infow("fileproviderd stopped", "accounts", len(accts))
	return nil
}

func accountsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	accts, err := loadAccounts(ctx, cfg)
	if err != nil {
		return err
	}
	printAccounts(os.Stdout, accts)
	return nil
}

func printAccounts(w io.Writer, accts []accounts.Account) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tPROVIDER\tREMOTE\tLOCAL ROOT")
	for _, a := range accts {
		remote := a.BaseURL()
		if a.Provider == accounts.ProviderS3 {
			remote += "/" + a.Bucket
		}
		fmt.Fprintf(tw, "%s/\t%s\t%s\t%s\n", a.Segment(), a.Provider, remote, a.LocalRoot)
	}
	tw.Flush()
}

func resolveAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("identifier")
	if id == "" {
		return errors.New("resolve: identifier argument is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	accts, err := loadAccounts(ctx, cfg)
	if err != nil {
		return err
	}
	return printResolved(os.Stdout, accts, id)
}

func printResolved(w io.Writer, accts []accounts.Account, id string) error {
	parsed, err := identifier.Parse(id)
	if err != nil {
		return err
	}
	for _, a := range accts {
		if a.Segment() != parsed.Account {
			continue
		}
		fmt.Fprintf(w, "identifier:  %s\n", parsed)
		fmt.Fprintf(w, "account:     %s@%s:%d (%s)\n", a.Username, a.Hostname, a.Port, a.Provider)
		fmt.Fprintf(w, "remote path: %s\n", parsed.Path)
		fmt.Fprintf(w, "container:   %t\n", parsed.Container)
		fmt.Fprintf(w, "local path:  %s\n", identifier.LocalPath(a.LocalRoot, a.Segment(), parsed.String()))
		return nil
	}
	return fmt.Errorf("resolve: no account for segment %q", parsed.Account)
}
