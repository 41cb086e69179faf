package main

import (
	"context"
	"net"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/bsp"
	"buildd/internal/config"
	"buildd/internal/session"
	"buildd/internal/version"
)

// connection is an initialized client plus whatever must be torn down after.
type connection struct {
	client  *bsp.Client
	mode    string // "server" или "in-process"
	targets []string
	close   func()
}

// connect dials the workspace server. When none is running and addr was not
// given explicitly, the request runs on an in-process server backed by the
// same state cache. local skips the dial.
func connect(ctx context.Context, cmd *cobra.Command, cfg *config.Config, addr string, local bool, logger *log.Logger) (*connection, error) {
	if !local {
		target := addr
		if target == "" {
			target = cfg.Server.Listen
		}
		c, err := bsp.Dial(ctx, target)
		switch {
		case err == nil:
			return initialize(ctx, &connection{client: c, mode: "server", close: func() { _ = c.Close() }})
		case addr != "":
			return nil, err
		}
		logger.Debug("no server running, compiling in process", "addr", target, "err", err)
	}

	tr, err := setupTracing(cmd)
	if err != nil {
		return nil, err
	}
	sched, _, err := newScheduler(cfg, logger, tr.tracer)
	if err != nil {
		tr.close()
		return nil, err
	}
	tr.startHeartbeat(sched)
	srvConn, cliConn := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		bsp.ServeConn(context.Background(), srvConn, session.NewLocal(sched, logger), bsp.ServerOptions{
			Version:        version.Version,
			Workspace:      sched.Workspace(),
			DefaultTimeout: cfg.Server.Timeout,
			Logger:         logger,
			Trace:          tr.ring,
		})
	}()
	client := bsp.NewClient(cliConn)
	return initialize(ctx, &connection{
		client: client,
		mode:   "in-process",
		close: func() {
			_ = client.Close()
			<-served
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := sched.Close(closeCtx); err != nil {
				logger.Warn("scheduler did not stop cleanly", "err", err)
			}
			tr.close()
		},
	})
}

func initialize(ctx context.Context, conn *connection) (*connection, error) {
	res, err := conn.client.Initialize(ctx, "buildd-cli", version.Version)
	if err != nil {
		conn.close()
		return nil, err
	}
	conn.targets = res.Targets
	return conn, nil
}

// addClientFlags registers the flags shared by client commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("connect", "", "server address (default: [server].listen, falling back to an in-process server)")
	cmd.Flags().Bool("local", false, "do not contact a server, compile in process")
}

func clientFlags(cmd *cobra.Command) (addr string, local bool, err error) {
	if addr, err = cmd.Flags().GetString("connect"); err != nil {
		return "", false, err
	}
	if local, err = cmd.Flags().GetBool("local"); err != nil {
		return "", false, err
	}
	return addr, local, nil
}
