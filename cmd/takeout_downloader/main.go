package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli"

	"github.com/italolelis/takeout_downloader/internal/config"
	"github.com/italolelis/takeout_downloader/internal/fetch"
	"github.com/italolelis/takeout_downloader/internal/http/rest"
	"github.com/italolelis/takeout_downloader/internal/logctx"
	"github.com/italolelis/takeout_downloader/internal/notifier"
	"github.com/italolelis/takeout_downloader/internal/pool"
	"github.com/italolelis/takeout_downloader/internal/session"
	"github.com/italolelis/takeout_downloader/internal/task"
	"github.com/italolelis/takeout_downloader/internal/telemetry"
)

const dirPerm = 0o755

func main() {
	app := cli.NewApp()
	app.Name = "takeout_downloader"
	app.Usage = "Bulk-fetch a numbered series of archive exports over an authenticated session"

	commonFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "curl-file, c",
			Usage: "file holding the pasted curl command (stdin when omitted)",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "output directory for downloaded archives",
		},
		cli.IntFlag{
			Name:  "count, n",
			Usage: "upper bound of the file index range",
		},
		cli.IntFlag{
			Name:  "parallel, p",
			Usage: "number of concurrent downloads (1-20)",
		},
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "run",
			Usage: "download the whole series, pausing for credential refresh on session expiry",
			Flags: append(commonFlags,
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "bind address of the status/credential API",
				},
			),
			Action: runAction,
		},
		cli.Command{
			Name:   "plan",
			Usage:  "reconcile the output directory against the series and report what a run would do",
			Flags:  commonFlags,
			Action: planAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	ctx, cfg, err := setup(c)
	if err != nil {
		return err
	}

	return run(ctx, cfg)
}

func planAction(c *cli.Context) error {
	ctx, cfg, err := setup(c)
	if err != nil {
		return err
	}

	return plan(ctx, cfg)
}

// setup loads the env config, applies flag overrides and prepares the
// context logger.
func setup(c *cli.Context) (context.Context, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	if c.IsSet("curl-file") {
		cfg.CurlFile = c.String("curl-file")
	}

	if c.IsSet("output") {
		cfg.OutputDir = c.String("output")
	}

	if c.IsSet("count") {
		cfg.MaxFiles = c.Int("count")
	}

	if c.IsSet("parallel") {
		cfg.Parallelism = c.Int("parallel")
	}

	if c.IsSet("listen") {
		cfg.Web.BindAddress = c.String("listen")
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	return logctx.WithLogger(context.Background(), logger), cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("takeout downloader starting...",
		"output_dir", cfg.OutputDir,
		"max_files", cfg.MaxFiles,
		"parallelism", cfg.Parallelism,
	)

	// =========================================================================
	// Initial Credential
	cred, err := readCredential(cfg)
	if err != nil {
		return err
	}

	ctrl := session.NewController(cred, cfg.SessionWarnAfter)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Reconcile Output Directory
	if err := os.MkdirAll(cfg.OutputDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	client := fetch.NewClient(cfg.HeaderTimeout, cfg.Parallelism)

	tasks, err := task.Reconcile(ctx, client, cred, cfg.OutputDir, cfg.MaxFiles, cfg.Parallelism)
	if err != nil {
		return fmt.Errorf("failed to reconcile output directory: %w", err)
	}

	// =========================================================================
	// Start Scheduler
	scheduler, err := pool.NewScheduler(tasks, ctrl, client, cfg.Parallelism)
	if err != nil {
		return err
	}

	scheduler.MaxAttempts = cfg.MaxAttempts
	scheduler.RetryBackoff = cfg.RetryBackoff
	scheduler.Telemetry = tel

	hub := pool.NewHub()
	go hub.Run(ctx, scheduler.Events())

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		events, cancel := hub.Subscribe(64)
		defer cancel()

		go notifier.Watch(ctx, events, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	// =========================================================================
	// Start API Service

	// Buffered so the goroutine can exit if we never collect the error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, scheduler, ctrl, hub, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Run the Pool
	done := make(chan *pool.Summary, 1)

	go func() {
		summary, _ := scheduler.Run(ctx)
		done <- summary
	}()

	var summary *pool.Summary

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case summary = <-done:
	}

	logger.Info("run finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"transferred", humanize.Bytes(uint64(summary.BytesTransferred)),
		"elapsed", summary.Elapsed.String(),
	)

	if len(summary.FailedIndices) > 0 {
		logger.Warn("some archives failed, re-run to retry them", "failed_indices", summary.FailedIndices)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// plan reconciles without downloading and reports what a run would do.
func plan(ctx context.Context, cfg *config.Config) error {
	cred, err := readCredential(cfg)
	if err != nil {
		return err
	}

	client := fetch.NewClient(cfg.HeaderTimeout, cfg.Parallelism)

	tasks, err := task.Reconcile(ctx, client, cred, cfg.OutputDir, cfg.MaxFiles, cfg.Parallelism)
	if err != nil {
		return fmt.Errorf("failed to reconcile output directory: %w", err)
	}

	pending := 0

	for _, t := range tasks {
		fmt.Printf("%4d  %-12s  %s\n", t.Index, t.State, t.FileName)

		if t.State == task.StatePending {
			pending++
		}
	}

	fmt.Printf("\n%d of %d archives still to download into %s\n", pending, len(tasks), cfg.OutputDir)

	return nil
}

// readCredential parses the operator's pasted curl command from the
// configured file or stdin. The initial credential must carry a usable URL.
func readCredential(cfg *config.Config) (*session.Credential, error) {
	var (
		raw []byte
		err error
	)

	if cfg.CurlFile != "" {
		raw, err = os.ReadFile(cfg.CurlFile)
		if err != nil {
			return nil, fmt.Errorf("read curl file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "Paste the browser's \"Copy as cURL\" command, then close stdin (Ctrl-D):")

		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}

	cred, err := session.CredentialFromCurl(string(raw))
	if err != nil {
		return nil, err
	}

	if cred.Descriptor == nil {
		return nil, fmt.Errorf("pasted command has no takeout url: %w", session.ErrMalformedDescriptor)
	}

	return cred, nil
}

// setupServer prepares the operator-facing HTTP server.
func setupServer(
	ctx context.Context,
	scheduler *pool.Scheduler,
	ctrl *session.Controller,
	hub *pool.Hub,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewHandler(scheduler, ctrl, hub)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
