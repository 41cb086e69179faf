package bsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"buildd/internal/compile"
)

// ErrConnClosed is returned by calls on a client whose connection is gone.
var ErrConnClosed = errors.New("bsp: connection closed")

// Client is the caller side of a remote session. Event callbacks run on the
// reader goroutine, in the order the server sent them.
type Client struct {
	conn   io.ReadWriteCloser
	in     *bufio.Reader
	out    *wire
	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan *rpcMessage
	listeners map[string]func(compile.Event)
	err       error
	done      chan struct{}
}

// Dial connects to a server at addr (see ParseAddress).
func Dial(ctx context.Context, addr string) (*Client, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient speaks the protocol over conn and takes ownership of it.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:      conn,
		in:        bufio.NewReader(conn),
		out:       newWire(conn),
		pending:   make(map[int64]chan *rpcMessage),
		listeners: make(map[string]func(compile.Event)),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		payload, err := readMessage(c.in)
		if err != nil {
			c.fail(err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			c.dispatch(&msg)
			continue
		}
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}
}

func (c *Client) dispatch(msg *rpcMessage) {
	kind, ok := kindFromMethod(msg.Method)
	if !ok {
		return
	}
	var info EventInfo
	if err := json.Unmarshal(msg.Params, &info); err != nil {
		return
	}
	c.mu.Lock()
	fn := c.listeners[info.OriginID]
	c.mu.Unlock()
	if fn == nil {
		return
	}
	ev, err := EventFromWire(kind, info)
	if err != nil {
		return
	}
	fn(ev)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.err = ErrConnClosed
	} else {
		c.err = fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	close(c.done)
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := c.out.request(id, method, params); err != nil {
		forget()
		return err
	}
	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		return json.Unmarshal(msg.Result, out)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

// Initialize performs the handshake.
func (c *Client) Initialize(ctx context.Context, name, version string) (InitializeResult, error) {
	var res InitializeResult
	if err := c.call(ctx, MethodInitialize, InitializeParams{ClientName: name, Version: version}, &res); err != nil {
		return InitializeResult{}, err
	}
	return res, c.out.notify(MethodInitialized, struct{}{})
}

// Compile requests targets and calls onEvent for every event of their
// units and dependency units until the result arrives. A zero timeout uses
// the server default.
func (c *Client) Compile(ctx context.Context, targets []string, timeout time.Duration, onEvent func(compile.Event)) (CompileResult, error) {
	origin := uuid.NewString()
	if onEvent != nil {
		c.mu.Lock()
		c.listeners[origin] = onEvent
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.listeners, origin)
			c.mu.Unlock()
		}()
	}
	params := CompileParams{Targets: targets, OriginID: origin, TimeoutMS: timeout.Milliseconds()}
	var res CompileResult
	if err := c.call(ctx, MethodCompile, params, &res); err != nil {
		return CompileResult{}, err
	}
	return res, nil
}

// LastDiagnostics returns the server's last known state of target.
func (c *Client) LastDiagnostics(ctx context.Context, target string) (LastDiagnosticsResult, error) {
	var res LastDiagnosticsResult
	err := c.call(ctx, MethodLastDiagnostics, TargetParams{Target: target}, &res)
	return res, err
}

// Trace returns recent trace events kept by the server.
func (c *Client) Trace(ctx context.Context, params TraceParams) (TraceResult, error) {
	var res TraceResult
	err := c.call(ctx, MethodTrace, params, &res)
	return res, err
}

// List returns the server's workspace targets.
func (c *Client) List(ctx context.Context) ([]Target, error) {
	var res ListResult
	if err := c.call(ctx, MethodList, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Targets, nil
}

// Shutdown asks the server to finish and sends exit.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.call(ctx, MethodShutdown, nil, nil); err != nil {
		return err
	}
	return c.out.notify(MethodExit, nil)
}

// Close drops the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// CompileEvents converts the replayed events back into compile events.
func (r LastDiagnosticsResult) CompileEvents() ([]compile.Event, error) {
	out := make([]compile.Event, 0, len(r.Events))
	for _, info := range r.Events {
		kind, ok := parseKind(info.Kind)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", info.Kind)
		}
		ev, err := EventFromWire(kind, info)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
