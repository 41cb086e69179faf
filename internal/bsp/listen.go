package bsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"buildd/internal/compile"
	"buildd/internal/session"
)

// ParseAddress splits "unix:/path", "tcp:host:port", a bare path or a bare
// host:port into a network and an address.
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case addr == "":
		return "", "", fmt.Errorf("empty address")
	case strings.HasPrefix(addr, "unix:"):
		network, address = "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "tcp:"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp:")
	case strings.ContainsRune(addr, '/') || strings.HasSuffix(addr, ".sock"):
		network, address = "unix", addr
	default:
		network, address = "tcp", addr
	}
	if address == "" {
		return "", "", fmt.Errorf("address %q has no %s endpoint", addr, network)
	}
	return network, address, nil
}

// Listen opens addr. A stale unix socket left by a crashed server is removed
// first.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if conn, err := net.Dial("unix", address); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("a server is already listening on %s", address)
		}
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return net.Listen(network, address)
}

// Serve accepts connections on ln until ctx is done. Every connection is
// its own session on sched; all sessions share the scheduler's units.
func Serve(ctx context.Context, ln net.Listener, sched *compile.Scheduler, opts ServerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	logger.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ServeConn(ctx, conn, session.NewLocal(sched, logger), opts)
		}()
	}
}

// ServeConn runs one connection to completion and closes it.
func ServeConn(ctx context.Context, conn io.ReadWriteCloser, sess session.Session, opts ServerOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	err := NewServer(conn, conn, sess, opts).Run(ctx)
	switch {
	case err == nil, errors.Is(err, ErrExit):
		logger.Debug("connection finished", "session", sess.ID())
	case errors.Is(err, ErrExitWithoutShutdown):
		logger.Warn("client exited without shutdown", "session", sess.ID())
	case ctx.Err() != nil:
		logger.Debug("connection dropped on server stop", "session", sess.ID())
	default:
		logger.Warn("connection failed", "session", sess.ID(), "err", err)
	}
}
