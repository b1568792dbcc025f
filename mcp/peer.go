// Package mcp implements the client side of the Model Context Protocol over a
// subprocess's standard input/output: a versioned handshake, tool discovery
// and tool invocation as line-delimited JSON-RPC 2.0, plus process lifecycle
// management. Each external tool server is owned by one long-lived Peer.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sudalk/nanobot/logging"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "nanobot"
	clientVersion   = "0.1.0"

	defaultHandshakeTimeout = 30 * time.Second
	defaultInvokeTimeout    = 120 * time.Second
	defaultTerminateWait    = 5 * time.Second
)

// State tracks the peer lifecycle.
type State int

const (
	// StateNotStarted means the subprocess has not been launched yet.
	StateNotStarted State = iota
	// StateStarted means the subprocess is running with pipes open.
	StateStarted
	// StateInitialized means the initialize handshake succeeded.
	StateInitialized
	// StateReady means tools/list succeeded and the schema cache is populated.
	StateReady
	// StateTerminated means the subprocess was stopped; the peer is spent.
	StateTerminated
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarted:
		return "started"
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrHandshakeFailed marks an initialize that errored or timed out.
	ErrHandshakeFailed = errors.New("peer handshake failed")
	// ErrDiscoveryFailed marks a tools/list that errored or timed out.
	ErrDiscoveryFailed = errors.New("peer discovery failed")
	// ErrPeerTerminated marks calls against a peer that is already stopped.
	ErrPeerTerminated = errors.New("peer terminated")
)

// ToolSchema is a remote tool definition announced by the peer. InputSchema
// is kept raw so it round-trips through the registry untouched.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Config describes how to launch and talk to an external tool server.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string

	// HandshakeTimeout bounds initialize and tools/list waits (default 30s).
	HandshakeTimeout time.Duration
	// InvokeTimeout bounds a single tools/call round trip (default 2m).
	InvokeTimeout time.Duration
	// TerminateWait bounds the graceful-shutdown wait before a kill (default 5s).
	TerminateWait time.Duration

	// dial overrides subprocess startup in tests.
	dial func() (Transport, error)
}

// Peer is one long-lived subprocess tool server. The subprocess is launched
// lazily on first use and reused across calls. All methods are safe for
// concurrent use; requests are demultiplexed by id, so callers may overlap.
type Peer struct {
	cfg    Config
	logger logging.Logger

	mu          sync.Mutex
	state       State
	transport   Transport
	tools       []ToolSchema
	discoverErr error

	nextID  atomic.Int64
	pending sync.Map // request id -> chan envelope

	readerDone chan struct{}
}

// NewPeer constructs a peer for the given server command. Nothing is spawned
// until the first Discover or Invoke.
func NewPeer(cfg Config, logger logging.Logger) *Peer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.TerminateWait <= 0 {
		cfg.TerminateWait = defaultTerminateWait
	}
	return &Peer{cfg: cfg, logger: logging.OrNoOp(logger)}
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Discover returns the peer's tool schemas, performing the handshake and
// tools/list on first use. The schema list is cached; after a failed
// discovery or termination it returns empty immediately rather than
// retrying or hanging.
func (p *Peer) Discover(ctx context.Context) ([]ToolSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureInitializedLocked(ctx); err != nil {
		return nil, err
	}
	if p.state == StateReady {
		tools := make([]ToolSchema, len(p.tools))
		copy(tools, p.tools)
		return tools, nil
	}
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}

	listCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	env, err := p.roundTrip(listCtx, p.transport, "tools/list", map[string]any{})
	switch {
	case err != nil:
		p.discoverErr = fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	case env.Error != nil:
		p.discoverErr = fmt.Errorf("%w: %s", ErrDiscoveryFailed, env.Error.Message)
	default:
		var result struct {
			Tools []ToolSchema `json:"tools"`
		}
		if len(env.Result) > 0 {
			if uerr := json.Unmarshal(env.Result, &result); uerr != nil {
				p.discoverErr = fmt.Errorf("%w: decode tools: %v", ErrDiscoveryFailed, uerr)
			}
		}
		if p.discoverErr == nil {
			p.tools = result.Tools
			p.state = StateReady
			p.logger.Info("mcp.peer.ready", "command", p.cfg.Command, "tools", len(p.tools))
		}
	}
	if p.discoverErr != nil {
		p.logger.Warn("mcp.discover.failed", "command", p.cfg.Command, "error", p.discoverErr.Error())
		return nil, p.discoverErr
	}

	tools := make([]ToolSchema, len(p.tools))
	copy(tools, p.tools)
	return tools, nil
}

// Invoke calls a remote tool and returns its textual result. A JSON-RPC
// error on the response becomes an "MCP Error: ..." result string, not an
// error: the model is expected to react to it.
func (p *Peer) Invoke(ctx context.Context, toolName string, args map[string]any) (string, error) {
	p.mu.Lock()
	if err := p.ensureInitializedLocked(ctx); err != nil {
		p.mu.Unlock()
		return "", err
	}
	transport := p.transport
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.InvokeTimeout)
	defer cancel()

	env, err := p.roundTrip(ctx, transport, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	if env.Error != nil {
		p.logger.Warn("mcp.invoke.error", "tool", toolName, "code", env.Error.Code, "message", env.Error.Message)
		return fmt.Sprintf("MCP Error: %s", env.Error.Message), nil
	}

	return renderCallResult(env.Result), nil
}

// Terminate stops the subprocess: graceful signal, bounded wait, then kill.
// Idempotent and safe on an already-dead process.
func (p *Peer) Terminate() error {
	p.mu.Lock()
	transport := p.transport
	p.transport = nil
	already := p.state == StateTerminated
	p.state = StateTerminated
	p.mu.Unlock()

	if already || transport == nil {
		return nil
	}
	p.logger.Info("mcp.peer.terminate", "command", p.cfg.Command)
	return transport.Close()
}

// ensureInitializedLocked drives NotStarted -> Started -> Initialized,
// launching the subprocess and running the initialize handshake on first
// use. Caller holds p.mu, so concurrent first callers do not race the
// launch. A failed launch or handshake terminates the peer.
func (p *Peer) ensureInitializedLocked(ctx context.Context) error {
	switch p.state {
	case StateInitialized, StateReady:
		return nil
	case StateTerminated:
		return ErrPeerTerminated
	}

	if p.state == StateNotStarted {
		if err := p.startLocked(); err != nil {
			p.state = StateTerminated
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	}

	hsCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	env, err := p.roundTrip(hsCtx, p.transport, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		p.terminateLocked()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if env.Error != nil {
		p.terminateLocked()
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, env.Error.Message)
	}
	p.state = StateInitialized
	return nil
}

// startLocked launches the subprocess and the background reader. Caller
// holds p.mu.
func (p *Peer) startLocked() error {
	dial := p.cfg.dial
	if dial == nil {
		dial = func() (Transport, error) {
			return startStdioTransport(p.cfg.Command, p.cfg.Args, p.cfg.Env, p.cfg.TerminateWait)
		}
	}

	transport, err := dial()
	if err != nil {
		return err
	}
	p.transport = transport
	p.state = StateStarted
	p.readerDone = make(chan struct{})
	go p.readLoop(transport, p.readerDone)

	p.logger.Info("mcp.peer.started", "command", p.cfg.Command)
	return nil
}

func (p *Peer) terminateLocked() {
	transport := p.transport
	p.transport = nil
	p.state = StateTerminated
	if transport != nil {
		_ = transport.Close()
	}
}

// readLoop is the background reader: it delivers each response line onto the
// channel registered for its request id. Server notifications (lines with a
// method and no id) are ignored. On transport failure every pending call is
// released.
func (p *Peer) readLoop(transport Transport, done chan struct{}) {
	defer close(done)
	for {
		line, err := transport.Receive()
		if err != nil {
			p.failPending()
			return
		}
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			p.logger.Warn("mcp.read.malformed", "error", err.Error())
			continue
		}
		if env.Method != "" {
			continue // notification
		}

		id, ok := parseID(env.ID)
		if !ok {
			continue
		}
		if ch, loaded := p.pending.LoadAndDelete(id); loaded {
			ch.(chan envelope) <- env
		}
	}
}

// failPending releases every in-flight caller after the transport died.
func (p *Peer) failPending() {
	p.pending.Range(func(key, value any) bool {
		p.pending.Delete(key)
		close(value.(chan envelope))
		return true
	})
}

// roundTrip sends one request on the given transport and waits for the
// matching response. Ids are unique for the peer's lifetime so overlapping
// calls demultiplex cleanly.
func (p *Peer) roundTrip(ctx context.Context, transport Transport, method string, params any) (envelope, error) {
	if transport == nil {
		return envelope{}, ErrPeerTerminated
	}

	id := p.nextID.Add(1)
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return envelope{}, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan envelope, 1)
	p.pending.Store(id, ch)
	defer p.pending.Delete(id)

	if err := transport.Send(payload); err != nil {
		return envelope{}, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return envelope{}, fmt.Errorf("%s: connection closed", method)
		}
		return env, nil
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// request is the JSON-RPC 2.0 request line.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// envelope is the JSON-RPC 2.0 response (or notification) line. The id stays
// raw so numeric and string forms both match.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := strings.Trim(string(raw), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// renderCallResult flattens a tools/call result into conversation text: text
// parts joined by newlines, with a structured fallback when the content is
// absent or fully non-textual.
func renderCallResult(result json.RawMessage) string {
	if len(result) == 0 {
		return "No result from MCP tool"
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || len(parsed.Content) == 0 {
		return "No result from MCP tool"
	}

	var texts []string
	for _, part := range parsed.Content {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	if len(texts) == 0 {
		return string(result)
	}
	return strings.Join(texts, "\n")
}
