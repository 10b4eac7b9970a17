package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/aiengine/internal/config"
	"github.com/loykin/aiengine/internal/history"
	"github.com/loykin/aiengine/internal/history/factory"
	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/server"
	itls "github.com/loykin/aiengine/internal/tls"
	"github.com/loykin/aiengine/internal/tracing"
)

// ServeFlags holds flags for serve command
type ServeFlags struct {
	ConfigPath string
	Listen     string
	NoStart    bool

	// onListen, when set, receives the bound address.
	onListen func(net.Addr)
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Start the supervisor daemon: spawn the engine worker, keep it healthy and
expose its status and RPC over HTTP until SIGINT or SIGTERM.

Examples:
  aiengined serve --config=engine.toml
  aiengined serve engine.yaml --listen=:8790
  AIENGINE_ENGINE_STARTUP_TIMEOUT=60s aiengined serve engine.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&serveFlags.NoStart, "no-start", false, "serve the API without starting the engine")
	return cmd
}

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, flags *ServeFlags) error {
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		fc.Server.Listen = flags.Listen
	}

	log, logCloser := logger.New(logger.Config{
		Format:     fc.Log.Format,
		Debug:      fc.Engine.DebugLogging,
		FilePath:   fc.Engine.LogFilePath,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	})
	defer func() { _ = logCloser.Close() }()

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      fc.Tracing.Enabled,
		Exporter:     fc.Tracing.Exporter,
		OTLPEndpoint: fc.Tracing.OTLPEndpoint,
		SampleRate:   fc.Tracing.SampleRate,
		ServiceName:  fc.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	sup := manager.New(fc.Engine,
		manager.WithLogger(log),
		manager.WithTracer(tp.Tracer()))

	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var rec *history.Recorder
	recDone := make(chan struct{})
	if fc.History.Enabled && len(fc.History.DSNs) > 0 {
		sinks, err := factory.NewSinks(fc.History.DSNs)
		if err != nil {
			return fmt.Errorf("failed to open history sinks: %w", err)
		}
		rec = history.NewRecorder(engineName, fc.History.SendTimeout, log, sinks...)
		feed := sup.Subscribe(bg)
		go func() {
			defer close(recDone)
			rec.Run(bg, feed)
		}()
	} else {
		close(recDone)
	}
	if fc.Metrics.Enabled {
		go metrics.NewSampler(sup.PID, fc.Metrics.SampleInterval, log).Run(bg)
	}

	tlsCfg, err := itls.Setup(fc.Server.TLS)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	ln, err := net.Listen("tcp", fc.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", fc.Server.Listen, err)
	}
	scheme := "http"
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "https"
	}
	srv := &http.Server{
		Handler:           server.NewRouter(sup, fc.Server.BasePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ln) }()
	log.Info("serving engine API", "scheme", scheme, "addr", ln.Addr().String(), "base_path", fc.Server.BasePath)
	if flags.onListen != nil {
		flags.onListen(ln.Addr())
	}

	if !flags.NoStart {
		if err := sup.Start(ctx); err != nil {
			// the API stays up so the engine can be started again
			log.Error("engine failed to start", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "error", err)
		}
	}

	log.Info("shutting down")
	shutdown(fc, log, srv, sup)
	// closing the supervisor closed the feed, so the recorder drains and returns
	<-recDone
	cancelBg()
	if rec != nil {
		sent, failed := rec.Stats()
		log.Info("history recorder closed", "sent", sent, "failed", failed)
		if err := rec.Close(); err != nil {
			log.Warn("closing history sinks", "error", err)
		}
	}
	return nil
}

// shutdown stops the HTTP server, then the engine.
func shutdown(fc config.FileConfig, log *slog.Logger, srv *http.Server, sup *manager.Supervisor) {
	// event streams never finish on their own
	hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(hctx); err != nil {
		_ = srv.Close()
	}

	sctx, cancelStop := context.WithTimeout(context.Background(), fc.Engine.ShutdownGracePeriod+killGrace)
	defer cancelStop()
	if err := sup.Close(sctx); err != nil {
		log.Warn("engine shutdown was not clean", "error", err)
	}
}

const (
	engineName = "ai-engine"
	// killGrace covers the SIGTERM wait and the kill path beyond the
	// shutdown grace period.
	killGrace = 8 * time.Second
)
