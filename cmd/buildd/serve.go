package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/bsp"
	"buildd/internal/config"
	"buildd/internal/project"
	"buildd/internal/session"
	"buildd/internal/version"
)

// shutdownGrace bounds how long a stopping server waits for running units.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compile server for the workspace",
	Long: `Run the compile server. Clients connect over the [server].listen socket
(or --listen) and share compile units. SIGHUP reloads buildd.toml.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on (unix:PATH or tcp:HOST:PORT), default from [server].listen")
	serveCmd.Flags().Bool("stdio", false, "serve a single session on stdin/stdout")
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}
	stdio, err := cmd.Flags().GetBool("stdio")
	if err != nil {
		return err
	}

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cmd, cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	tr, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer tr.close()

	sched, _, err := newScheduler(cfg, logger, tr.tracer)
	if err != nil {
		return err
	}
	tr.startHeartbeat(sched)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := sched.Close(ctx); err != nil {
			logger.Warn("scheduler did not stop cleanly", "err", err)
		}
		logger.Info("server stopped", "stats", fmt.Sprintf("%+v", sched.Stats()))
	}()

	ctx := cmd.Context()
	go watchReload(ctx, cfg.Path, sched.Workspace(), logger)

	opts := bsp.ServerOptions{
		Name:           "buildd",
		Version:        version.Version,
		Workspace:      sched.Workspace(),
		DefaultTimeout: cfg.Server.Timeout,
		Logger:         logger,
		Trace:          tr.ring,
	}
	if stdio {
		logger.Info("serving stdio", "root", cfg.Root)
		bsp.ServeConn(ctx, stdioConn{Reader: os.Stdin, Writer: os.Stdout}, session.NewLocal(sched, logger), opts)
		return nil
	}

	if listen == "" {
		listen = cfg.Server.Listen
	}
	network, address, err := bsp.ParseAddress(listen)
	if err != nil {
		return err
	}
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
		defer func() { _ = os.Remove(address) }()
	}
	ln, err := bsp.Listen(listen)
	if err != nil {
		return err
	}
	logger.Info("serving workspace", "root", cfg.Root, "projects", len(sched.Workspace().Names()))
	return bsp.Serve(ctx, ln, sched, opts)
}

// stdioConn закрывает только stdin: этого достаточно, чтобы прервать чтение.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (stdioConn) Close() error { return os.Stdin.Close() }

// watchReload re-reads the manifest on SIGHUP. A broken manifest keeps the
// current projects.
func watchReload(ctx context.Context, path string, ws *project.Workspace, logger *log.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(path)
		if err != nil {
			logger.Error("reload failed", "err", err)
			continue
		}
		if err := ws.Replace(cfg.Projects); err != nil {
			logger.Error("reload failed", "err", err)
			continue
		}
		logger.Info("manifest reloaded", "projects", len(cfg.Projects), "generation", ws.Generation())
	}
}
