package bsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"buildd/internal/compile"
	"buildd/internal/project"
	"buildd/internal/session"
	"buildd/internal/trace"
)

var (
	// ErrExit signals a graceful shutdown after receiving "exit".
	ErrExit = errors.New("bsp exit")
	// ErrExitWithoutShutdown signals an "exit" without a preceding "shutdown".
	ErrExitWithoutShutdown = errors.New("bsp exit without shutdown")
)

// ServerOptions configures a connection server.
type ServerOptions struct {
	Name    string
	Version string
	// Workspace answers buildTarget/list and initialize.
	Workspace *project.Workspace
	// DefaultTimeout applies when a compile request has no timeoutMs.
	DefaultTimeout time.Duration
	Logger         *log.Logger
	// Trace answers buildd/trace; nil when the server keeps no trace ring.
	Trace *trace.Ring
}

// Server serves one connection as a remote session.
type Server struct {
	in   *bufio.Reader
	out  *wire
	sess session.Session
	opts ServerOptions
	log  *log.Logger

	mu                sync.Mutex
	initialized       bool
	shutdownRequested bool

	inflight sync.WaitGroup
}

// NewServer serves sess over in/out. Run owns sess and closes it.
func NewServer(in io.Reader, out io.Writer, sess session.Session, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Name == "" {
		opts.Name = "buildd"
	}
	return &Server{
		in:   bufio.NewReader(in),
		out:  newWire(out),
		sess: sess,
		opts: opts,
		log:  logger.With("session", sess.ID()),
	}
}

// Run serves requests until exit or end of input. In-flight compile
// requests are cancelled and awaited before it returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if err := s.sess.Close(); err != nil {
			s.log.Warn("session close failed", "err", err)
		}
		s.inflight.Wait()
	}()

	for {
		payload, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("connection closed by client")
				return nil
			}
			return err
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("failed to parse message", "err", err)
			if err := s.out.error(json.RawMessage("null"), codeParseError, "parse error"); err != nil {
				return err
			}
			continue
		}
		if msg.Method == "" {
			continue
		}
		if err := s.handleMessage(ctx, &msg); err != nil {
			return err
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg *rpcMessage) error {
	switch msg.Method {
	case MethodInitialize:
		return s.handleInitialize(msg)
	case MethodInitialized:
		return nil
	case MethodExit:
		s.mu.Lock()
		requested := s.shutdownRequested
		s.mu.Unlock()
		if requested {
			return ErrExit
		}
		return ErrExitWithoutShutdown
	}

	s.mu.Lock()
	initialized, shutdown := s.initialized, s.shutdownRequested
	s.mu.Unlock()
	if !initialized {
		return s.replyError(msg, codeNotInitialized, "server not initialized")
	}
	if shutdown {
		return s.replyError(msg, codeInvalidRequest, "server is shutting down")
	}

	switch msg.Method {
	case MethodShutdown:
		return s.handleShutdown(msg)
	case MethodCompile:
		return s.handleCompile(ctx, msg)
	case MethodLastDiagnostics:
		return s.handleLastDiagnostics(msg)
	case MethodList:
		return s.out.response(msg.ID, ListResult{Targets: s.targets()})
	case MethodTrace:
		return s.handleTrace(msg)
	default:
		return s.replyError(msg, codeMethodNotFound, "method not found")
	}
}

// replyError answers requests; notifications get no reply.
func (s *Server) replyError(msg *rpcMessage, code int, message string) error {
	if len(msg.ID) == 0 {
		return nil
	}
	return s.out.error(msg.ID, code, message)
}

func (s *Server) handleInitialize(msg *rpcMessage) error {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.replyError(msg, codeInvalidParams, "invalid params")
		}
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.log.Info("client initialized", "client", params.ClientName, "version", params.Version)

	result := InitializeResult{
		ServerName: s.opts.Name,
		Version:    s.opts.Version,
		Session:    s.sess.ID(),
	}
	for _, t := range s.targets() {
		result.Targets = append(result.Targets, t.Name)
	}
	return s.out.response(msg.ID, result)
}

func (s *Server) handleShutdown(msg *rpcMessage) error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()
	// запросы в полёте досылают свои ответы до ответа на shutdown
	s.inflight.Wait()
	return s.out.response(msg.ID, nil)
}

func (s *Server) targets() []Target {
	if s.opts.Workspace == nil {
		return []Target{}
	}
	projects, _ := s.opts.Workspace.Snapshot()
	out := make([]Target, 0, len(projects))
	for _, p := range projects {
		out = append(out, Target{
			Name:         p.Name,
			Dependencies: p.Dependencies,
			Sources:      len(p.Sources),
			Command:      p.Command,
		})
	}
	return out
}

func (s *Server) handleCompile(ctx context.Context, msg *rpcMessage) error {
	var params CompileParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.replyError(msg, codeInvalidParams, "invalid params")
	}
	if len(params.Targets) == 0 {
		return s.replyError(msg, codeInvalidParams, "no targets")
	}
	timeout := s.opts.DefaultTimeout
	if params.TimeoutMS != 0 {
		ms, err := timeoutFromWire(params.TimeoutMS)
		if err != nil {
			return s.replyError(msg, codeInvalidParams, fmt.Sprintf("invalid timeoutMs: %v", err))
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result := s.compile(ctx, params, timeout)
		if err := s.out.response(msg.ID, result); err != nil {
			s.log.Warn("failed to send compile result", "origin", params.OriginID, "err", err)
		}
	}()
	return nil
}

func (s *Server) compile(ctx context.Context, params CompileParams, timeout time.Duration) CompileResult {
	results := make([]TargetResult, len(params.Targets))
	var eg errgroup.Group
	for i, target := range params.Targets {
		eg.Go(func() error {
			results[i] = s.compileTarget(ctx, params.OriginID, target, timeout)
			return nil
		})
	}
	_ = eg.Wait()

	code := StatusOK
	for _, r := range results {
		switch {
		case r.Error != "" || r.Status == compile.StatusFailed.String():
			code = StatusError
		case r.Status == compile.StatusCancelled.String() && code == StatusOK:
			code = StatusCancelled
		}
	}
	return CompileResult{OriginID: params.OriginID, StatusCode: code, Results: results}
}

func (s *Server) compileTarget(ctx context.Context, origin, target string, timeout time.Duration) TargetResult {
	progress := func(ev compile.Event) {
		if err := s.publish(origin, ev); err != nil {
			s.log.Debug("dropped dependency event", "project", ev.Project, "err", err)
		}
	}
	h, err := s.sess.Compile(ctx, target, compile.CompileOptions{Timeout: timeout, Progress: progress})
	if err != nil {
		return TargetResult{Target: target, Error: err.Error()}
	}
	err = h.Stream(ctx, func(ev compile.Event) error {
		return s.publish(origin, ev)
	})
	if err != nil {
		if errors.Is(err, compile.ErrTimedOut) {
			// таймаут локален для запроса: юнит доживает до конца
			h.Release()
		} else {
			// клиент больше не ждёт этот запрос
			h.Cancel()
		}
		res := TargetResult{Target: target, Error: err.Error()}
		if u := h.Unit(); u != nil {
			res.Unit = u.ID()
			res.Fingerprint = u.Fingerprint().Short()
			res.Status = u.Status().String()
		}
		s.log.Warn("compile request ended early", "project", target, "handle", h.ID(), "err", err)
		return res
	}
	res, _ := h.Unit().Result()
	return resultToWire(res)
}

func (s *Server) publish(origin string, ev compile.Event) error {
	info := EventToWire(ev)
	info.OriginID = origin
	return s.out.notify(eventMethod(ev.Kind), info)
}

func (s *Server) handleLastDiagnostics(msg *rpcMessage) error {
	var params TargetParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.replyError(msg, codeInvalidParams, "invalid params")
	}
	st, ok, err := s.sess.LastDiagnostics(params.Target)
	switch {
	case errors.Is(err, compile.ErrUnknownProject):
		return s.replyError(msg, codeInvalidParams, err.Error())
	case err != nil:
		return s.replyError(msg, codeInternalError, err.Error())
	}
	result := LastDiagnosticsResult{Target: params.Target, Known: ok, Events: []EventInfo{}}
	if ok {
		result.Result = resultToWire(st.Result)
		for _, ev := range st.Events {
			result.Events = append(result.Events, EventToWire(ev))
		}
	}
	return s.out.response(msg.ID, result)
}

func (s *Server) handleTrace(msg *rpcMessage) error {
	var params TraceParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.replyError(msg, codeInvalidParams, "invalid params")
		}
	}
	if params.Target != "" && s.opts.Workspace != nil {
		if _, ok := s.opts.Workspace.Project(params.Target); !ok {
			return s.replyError(msg, codeInvalidParams, fmt.Sprintf("%v %q", compile.ErrUnknownProject, params.Target))
		}
	}
	result := TraceResult{Events: []trace.Event{}}
	if s.opts.Trace != nil {
		result.Enabled = true
		result.Events = s.opts.Trace.Recent(trace.Filter{Project: params.Target, Unit: params.Unit}, params.Limit)
	}
	return s.out.response(msg.ID, result)
}
