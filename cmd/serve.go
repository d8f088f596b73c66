package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/api"
	"github.com/logsink/logsink/internal/cleanup"
	"github.com/logsink/logsink/internal/daemon"
	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the log sink HTTP server",
	Long: `Run the log sink HTTP server in the foreground.

The server admits logs, serves the REST API, runs the embedding worker
(when enabled), and schedules the periodic cleanup. Use the start/stop
subcommands to manage it as a background daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show background server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file manager under the state dir.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "logsink-serve.pid"))
}

// serveLogPath is where the daemonized server writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "logsink-serve.log")
}

func serveRun() error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:  viper.GetBool("telemetry.enabled"),
		Exporter: viper.GetString("telemetry.exporter"),
		Endpoint: viper.GetString("telemetry.endpoint"),
	}, "logsink", buildVersion); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics := telemetry.NewMetrics()

	s, err := getStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	imgs, err := newImageStore(logger)
	if err != nil {
		return fmt.Errorf("init image store: %w", err)
	}

	engine := newEngine(s, imgs, logger)
	bl := newBlacklistService(s, engine, logger)
	llmClient := newLLMClient()
	embedder := newEmbeddingClient(logger)
	pipeline := admission.NewPipeline(s, admissionBlacklist(bl), imgs, engine, embedder.Enabled(), metrics, logger)

	worker := embedding.NewWorker(s, engine, embedder, embedding.WorkerConfig{
		Interval:            viper.GetDuration("embedding.interval"),
		BatchSize:           viper.GetInt("embedding.batch_size"),
		SimilarityThreshold: viper.GetFloat64("embedding.similarity_threshold"),
	}, metrics, logger)

	scheduler := cleanup.NewScheduler(s, engine, imgs, llmClient, cleanup.Config{
		Schedule:            viper.GetString("cleanup.schedule"),
		MaxAge:              viper.GetDuration("cleanup.max_age"),
		SimilarityThreshold: viper.GetFloat64("cleanup.duplicate_threshold"),
		Concurrency:         viper.GetInt("cleanup.concurrency"),
		BatchSize:           viper.GetInt("cleanup.batch_size"),
	}, metrics, logger)

	apiServer := api.NewServer(api.Deps{
		Store:     s,
		Pipeline:  pipeline,
		Engine:    engine,
		Images:    imgs,
		Blacklist: bl,
		Worker:    worker,
		Embedder:  embedder,
		Cleanup:   scheduler,
	}, api.Config{
		APIKey:      viper.GetString("server.api_key"),
		CORSOrigin:  viper.GetString("server.cors.origin"),
		CORSMethods: viper.GetString("server.cors.methods"),
		CORSHeaders: viper.GetString("server.cors.headers"),
	}, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pf := pidFile()
	if err := os.MkdirAll(filepath.Dir(pf.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	if viper.GetBool("cleanup.enabled") {
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start cleanup scheduler: %w", err)
		}
	} else {
		logger.Info().Msg("cleanup scheduler disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if embedder.Enabled() {
		g.Go(func() error {
			worker.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Bool("embedding", embedder.Enabled()).Msg("server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(drainCtx)
	})

	err = g.Wait()

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := telemetry.Shutdown(shutdownCtx); terr != nil {
		logger.Warn().Err(terr).Msg("telemetry shutdown")
	}
	logger.Info().Msg("server stopped")
	return err
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server daemon on port %d", viper.GetInt("server.port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "serve")
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Server started (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		if _, err := pf.Read(); err == nil {
			_ = pf.Remove()
			return fmt.Errorf("server not running (stale PID %d removed)", pid)
		}
		return fmt.Errorf("server not running (no PID file)")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server (pid %d): %w", pid, err)
	}

	// Give it a moment to shut down cleanly before escalating.
	for i := 0; i < 50; i++ {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = pf.Signal(sigKILL())
	ui.Warning("Server did not stop gracefully, killed (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if _, err := pf.Read(); err != nil {
		ui.Info("Server: not running")
		return nil
	}

	if pid, running := pf.IsRunning(); running {
		ui.Info("Server: running (pid %d, port %d)", pid, viper.GetInt("server.port"))
	} else {
		ui.Info("Server: not running (stale PID file: %s)", pf.Path)
	}
	return nil
}
