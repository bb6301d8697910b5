package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/config"
	"github.com/fruitsalade/fileprovider/internal/coordinator"
	"github.com/fruitsalade/fileprovider/internal/dispatch"
	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/engine/httpremote"
	"github.com/fruitsalade/fileprovider/internal/engine/s3remote"
	"github.com/fruitsalade/fileprovider/internal/hostbridge"
	"github.com/fruitsalade/fileprovider/internal/itemcache"
	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/registry"
	"github.com/fruitsalade/fileprovider/internal/retry"
)

// daemon ties the dispatch loop, one engine worker per account, the
// coordinator and the host bridge together under one supervisor.
type daemon struct {
	loop    *dispatch.Loop
	workers []*engine.AsyncWorker
	coord   *coordinator.Coordinator
	bridge  *hostbridge.Server
	sup     *suture.Supervisor
}

func newDaemon(ctx context.Context, cfg *config.Config, accts []accounts.Account) (*daemon, error) {
	loop := dispatch.New("main")

	var (
		bindings []registry.Binding
		workers  []*engine.AsyncWorker
	)
	for _, a := range accts {
		remote, err := newRemote(ctx, cfg, a)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Segment(), err)
		}
		w := engine.NewAsyncWorker(engine.WorkerConfig{
			Name:        a.Segment(),
			Remote:      remote,
			Poster:      loop,
			Concurrency: cfg.WorkerConcurrency,
		})
		workers = append(workers, w)
		bindings = append(bindings, registry.Binding{Account: a, Worker: w})
	}

	reg, err := registry.New(bindings)
	if err != nil {
		return nil, err
	}
	cache := itemcache.New()
	coord, err := coordinator.New(coordinator.Config{Registry: reg, Dispatcher: loop, Cache: cache})
	if err != nil {
		return nil, err
	}

	for _, w := range workers {
		segment := w.Name()
		w.SetChangeHandler(func(ctx context.Context, remotePath string) {
			coord.Changed(ctx, segment, remotePath)
		})
	}

	bridge := hostbridge.New(hostbridge.Config{
		ListenAddr:      cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, coord)

	sup := suture.New("fileproviderd", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn("supervisor event", zap.String("event", e.String()))
		},
	})
	sup.Add(loop)
	for _, w := range workers {
		sup.Add(w)
	}
	sup.Add(bridge)

	return &daemon{loop: loop, workers: workers, coord: coord, bridge: bridge, sup: sup}, nil
}

// Serve runs every service until ctx is done, then rejects further
// operations.
func (d *daemon) Serve(ctx context.Context) error {
	defer d.coord.Close()
	return d.sup.Serve(ctx)
}

// newRemote builds the engine backend for an account.
func newRemote(ctx context.Context, cfg *config.Config, a accounts.Account) (engine.Remote, error) {
	switch a.Provider {
	case accounts.ProviderS3:
		endpoint := a.BaseURL()
		if strings.HasSuffix(a.Hostname, "amazonaws.com") {
			endpoint = ""
		}
		return s3remote.New(ctx, s3remote.Config{
			Endpoint:  endpoint,
			Bucket:    a.Bucket,
			Region:    a.Region,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
		})
	case accounts.ProviderHTTP:
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.RetryAttempts
		return httpremote.New(httpremote.Config{
			BaseURL:   a.BaseURL(),
			Token:     a.Token,
			Timeout:   cfg.RequestTimeout,
			Retry:     rc,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.RateBurst,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", accounts.ErrInvalidAccount, a.Provider)
	}
}
