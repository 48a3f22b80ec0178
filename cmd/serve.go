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
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/api"
	"github.com/joescharf/yoke/internal/daemon"
)

// stopTimeout is how long serve stop waits for a graceful exit before SIGKILL.
const stopTimeout = 45 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon with its HTTP API",
	Long: `Run the orchestrator in the foreground: interrupt sessions left running
by a previous process, reap stale sessions periodically, and serve the HTTP
API. By default it listens on port 8080. Use --port to change it.

Config file changes to auto-continue delay and stale threshold apply
without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "yoke-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "yoke-serve.log")
}

func serveRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrRunning) {
			return fmt.Errorf("yoke serve is already running (%v)", err)
		}
		return err
	}
	defer func() { _ = pf.Release() }()

	e, err := newEngine(logger, engineOptions{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	// This process holds the PID file, so nothing else owns running sessions.
	// No work is accepted until they are reaped.
	if _, err := e.reaper.Startup(ctx); err != nil {
		_ = e.close(shutdownGrace)
		return fmt.Errorf("refusing to serve: %w", err)
	}
	go e.reaper.Run(ctx)

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(ev fsnotify.Event) {
			logger.Debug("config file changed", "file", ev.Name, "op", ev.Op.String())
			e.applyConfig()
		})
		viper.WatchConfig()
	}

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(e.store, e.orch, e.pauses, e.reaper, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving API", "addr", addr, "pid", os.Getpid())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = e.close(shutdownGrace)
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return e.close(shutdownGrace)
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("yoke serve is already running (pid %d)", pid)
	}
	if dryRun {
		ui.DryRunMsg("Would start yoke serve on port %d", viper.GetInt("port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	detach(c)
	if err := c.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	_ = c.Process.Release()

	ui.Success("Started yoke serve (pid %d) on port %d", c.Process.Pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("yoke serve is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop yoke serve (pid %d)", pid)
		return nil
	}

	if err := pf.Terminate(); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("Stopped yoke serve (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("yoke serve did not exit within %s, killing", stopTimeout)
	if err := pf.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("yoke serve is not running")
		return nil
	}
	ui.Success("yoke serve is running (pid %d, port %d)", pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
