package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"nostr-mirror/config"
	"nostr-mirror/metrics"
	"nostr-mirror/nostr"
	"nostr-mirror/poll"
	"nostr-mirror/publish"
	"nostr-mirror/ratelimit"
	"nostr-mirror/scheduler"
	"nostr-mirror/server"
	"nostr-mirror/source"
	"nostr-mirror/storage"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Store
	source   *source.Client
	builder  *nostr.Builder
	recorder *metrics.Recorder
	monitor  *poll.Monitor
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg.Storage.URL, storage.Options{CredentialsJSON: cfg.Storage.CredentialsJSON}, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tracker := ratelimit.New(store, logger, ratelimit.WithPacing(cfg.Twitter.MinInterval))
	src := source.New(source.Options{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		BaseURL:     cfg.Twitter.APIURL,
		BearerToken: cfg.Twitter.BearerToken,
		MaxPages:    cfg.Twitter.MaxPages,
	}, tracker, store, logger)

	var dialer publish.Dialer = publish.NewWSDialer(logger)
	if cfg.DryRun {
		logger.Info("Dry run mode enabled, events will not leave this process")
		dialer = publish.NewMockDialer(logger)
	}

	builder := nostr.NewBuilder(cfg.Nostr.Key)
	recorder := metrics.New()
	monitor := poll.New(poll.Config{
		Handle:           cfg.Twitter.Username,
		Relays:           cfg.Nostr.Relays,
		Transform:        cfg.Format,
		PublishTimeout:   cfg.Nostr.PublishTimeout,
		HoldFailedFor:    cfg.Cycle.HoldFailedFor,
		MaxRateLimitWait: cfg.Cycle.MaxRateLimitWait,
	}, src, store, builder, publish.New(dialer, logger), recorder, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		source:   src,
		builder:  builder,
		recorder: recorder,
		monitor:  monitor,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close storage", "error", err)
	}
}

// start verifies source credentials by resolving the account, then makes
// sure a cursor exists.
func (a *app) start(ctx context.Context) error {
	account, err := a.source.ResolveAccount(ctx, a.cfg.Twitter.Username)
	if err != nil {
		return fmt.Errorf("verify source credentials: %w", err)
	}
	a.logger.Info("Source credentials verified", "handle", account.Handle, "account_id", account.ID)

	if _, err := a.monitor.Initialize(ctx); err != nil {
		return err
	}
	return nil
}

// loadApp wires the app with JSON logs written to logOut.
func loadApp(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.start(ctx); err != nil {
		return err
	}

	npub, err := a.cfg.Nostr.Key.NPub()
	if err != nil {
		return err
	}
	a.logger.Info("Publishing as", "pubkey", a.builder.PublicKey(), "npub", npub, "relays", a.cfg.Nostr.Relays)

	guard := scheduler.NewGuard(a.monitor, a.logger)
	cron, err := scheduler.NewCron(a.cfg.Cycle.Schedule, guard, a.logger)
	if err != nil {
		return err
	}
	srv := server.New(&server.Config{
		Trigger:   guard,
		Store:     a.store,
		Metrics:   a.recorder.Handler(),
		Logger:    a.logger,
		Handle:    a.cfg.Twitter.Username,
		PublicKey: a.builder.PublicKey(),
		NPub:      npub,
		Relays:    a.cfg.Nostr.Relays,
		DryRun:    a.cfg.DryRun,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Port) })
	g.Go(func() error { return cron.Run(gctx) })

	err = g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}

func runOnce(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.start(ctx); err != nil {
		return err
	}

	res, err := a.monitor.RunCycle(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %s (fetched %d, skipped %d, published %d, failed %d)\n",
		res.ID, res.Outcome, res.Fetched, res.Skipped, res.Published, res.Failed)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cursor, ok, err := a.store.Cursor(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Account: @%s\n", a.cfg.Twitter.Username)
	fmt.Fprintf(out, "Public key: %s\n", a.builder.PublicKey())
	if ok {
		fmt.Fprintf(out, "Cursor: %s\n", cursor.UTC().Format(time.RFC3339Nano))
	} else {
		fmt.Fprintln(out, "Cursor: not initialized")
	}
	fmt.Fprintf(out, "Relays: %d\n", len(a.cfg.Nostr.Relays))
	for _, r := range a.cfg.Nostr.Relays {
		fmt.Fprintf(out, "  %s\n", r)
	}

	recent, err := a.store.RecentReplicated(ctx, 10)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recent replications: %d\n", len(recent))
	for _, r := range recent {
		fmt.Fprintf(out, "  %s  %s  %s\n", r.PublishedAt.UTC().Format(time.RFC3339), r.SourceID, r.EventID)
	}
	return nil
}

func runPubkey(cmd *cobra.Command, _ []string) error {
	key, err := config.PrivateKey()
	if err != nil {
		return err
	}
	npub, err := key.NPub()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hex:  %s\nnpub: %s\n", key.PublicKey(), npub)
	return nil
}
