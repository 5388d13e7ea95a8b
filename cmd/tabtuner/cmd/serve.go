package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabtuner/tabtuner/internal/browser"
	"github.com/tabtuner/tabtuner/internal/capture"
	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/httpserver"
	"github.com/tabtuner/tabtuner/internal/httpserver/handlers"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/showinfo"
	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
	"github.com/tabtuner/tabtuner/internal/util"
	"github.com/tabtuner/tabtuner/internal/version"
)

// systemStatusInterval is how often the system status snapshot on the
// event stream is refreshed.
const systemStatusInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tabtuner server",
	Long: `Start the tabtuner HTTP server.

The server provides:
- HLS playlists and MPEG-TS streams for the configured channels
- HDHomeRun discovery endpoints so PVR backends adopt it as a network tuner
- REST API, live status events, and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Overrides applied only when explicitly set, same rule as the
	// global flags.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 5289, "Port to listen on")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if host, ok := stringFlag(cmd.Flags(), "host"); ok {
		cfg.Server.Host = host
	}
	if port, ok := intFlag(cmd.Flags(), "port"); ok {
		cfg.Server.Port = port
	}

	logger := slog.Default()

	// Resolve ffmpeg once up front. A bad explicit path or a missing
	// binary in ffmpeg capture mode is fatal; in native mode a missing
	// binary only disables MPEG-TS output, so serve anyway.
	if path, err := util.FFmpegBinary(cfg.FFmpeg.Path); err != nil {
		if cfg.FFmpeg.Path != "" || cfg.Streaming.CaptureMode == config.CaptureModeFFmpeg {
			return fmt.Errorf("resolving ffmpeg: %w", err)
		}
		logger.Warn("ffmpeg not found, MPEG-TS endpoints will fail until it is installed",
			slog.String("error", err.Error()))
	} else {
		cfg.FFmpeg.Path = path
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := browser.Connect(ctx, cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}
	defer b.Close()

	// Verify the tab-capture slot before taking traffic. A slot leaked
	// from a previous run survives process restarts and only a browser
	// restart clears it, so there is no point starting degraded.
	probePage := func() (capture.ProbePage, error) { return b.NewPage() }
	if err := capture.Probe(ctx, probePage, capture.OptionsFromConfig(cfg.Streaming), logger); err != nil {
		if errors.Is(err, capture.ErrCaptureActive) {
			logger.Error("capture slot is leaked, restart the browser", slog.String("error", err.Error()))
			b.Close()
			os.Exit(1)
		}
		return fmt.Errorf("capture probe: %w", err)
	}

	emitter := status.NewEmitter(logger)
	clients := status.NewClientRegistry()

	resolver := profile.NewResolver(cfg.Channels, logger)
	if cfg.ProfilesFile != "" {
		if err := resolver.LoadFile(cfg.ProfilesFile); err != nil {
			return fmt.Errorf("loading profiles: %w", err)
		}
		if err := resolver.Watch(ctx, cfg.ProfilesFile); err != nil {
			logger.Warn("profiles file watch unavailable", slog.String("error", err.Error()))
		}
	}

	manager := stream.NewManager(cfg, stream.NewSource(b), resolver, emitter, clients, logger)
	manager.Start()

	go runSystemStatus(ctx, emitter, b, manager)

	var poller *showinfo.Poller
	if cfg.ShowInfo.Enabled {
		poller, err = showinfo.New(cfg.ShowInfo, manager, clients, emitter, logger)
		if err != nil {
			return fmt.Errorf("initializing show info poller: %w", err)
		}
		if err := poller.Start(ctx); err != nil {
			return fmt.Errorf("starting show info poller: %w", err)
		}
	}

	srv := httpserver.New(cfg.Server, logger, version.Version)

	// Huma operations first so their OpenAPI registrations exist, then
	// the raw chi routes that stream media.
	handlers.NewHealthHandler(version.Version, emitter).Register(srv.API())
	handlers.NewStreamsHandler(manager, emitter, logger).Register(srv.API())

	playHandler := handlers.NewPlayHandler(manager, logger)
	playHandler.Register(srv.API())
	playHandler.RegisterChiRoutes(srv.Router())

	tsHandler := handlers.NewMPEGTSHandler(manager, clients, cfg.FFmpeg, cfg.Streaming.NavigationTimeout, logger)
	tsHandler.Register(srv.API())
	tsHandler.RegisterChiRoutes(srv.Router())

	handlers.NewHLSHandler(manager, clients, cfg.Streaming.NavigationTimeout, logger).RegisterChiRoutes(srv.Router())
	handlers.NewStatusHandler(emitter, logger).RegisterChiRoutes(srv.Router())
	handlers.NewLineupHandler(manager, cfg.Streaming.MaxConcurrentStreams, version.Version, logger).RegisterChiRoutes(srv.Router())
	handlers.NewLandingHandler(manager, version.Version, logger).RegisterChiRoutes(srv.Router())
	handlers.NewLogoHandler(cfg.ShowInfo.LogoDir).RegisterChiRoutes(srv.Router())

	logger.Info("starting tabtuner server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
		slog.Int("channels", len(cfg.Channels)),
		slog.Int("stream_limit", cfg.Streaming.MaxConcurrentStreams),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		manager.Shutdown("server failed")
		return err
	}

	// Terminate streams before draining so long-lived media responses
	// end instead of holding the drain open until its deadline.
	manager.Shutdown("server shutdown")
	if poller != nil {
		poller.Stop()
	}
	b.Close()
	return srv.Shutdown(context.Background())
}

// runSystemStatus publishes a periodic system snapshot to the event
// stream until ctx is canceled.
func runSystemStatus(ctx context.Context, emitter *status.Emitter, b *browser.Browser, manager *stream.Manager) {
	collector := status.NewSystemCollector()
	ticker := time.NewTicker(systemStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emitter.UpdateSystem(collector.Collect(
				b.Connected(), b.PageCount(),
				manager.ActiveCount(), manager.Limit(),
			))
		}
	}
}
