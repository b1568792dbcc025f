// Package nanobot provides a high-level façade over the agent loop and its
// collaborators (tool registry, MCP peers, session store, task tracker,
// message bus). Most applications interact with this package by:
//  1. Creating a Nanobot via New() (optionally overriding the in-memory defaults)
//  2. Registering local tools and connecting MCP tool servers
//  3. Driving it through Run() (bus mode) or Process() (direct mode)
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable session store and a structured
// logger.
package nanobot

import (
	"context"
	"fmt"

	"github.com/sudalk/nanobot/agent"
	"github.com/sudalk/nanobot/bus"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/mcp"
	"github.com/sudalk/nanobot/provider"
	"github.com/sudalk/nanobot/session"
	"github.com/sudalk/nanobot/task"
	"github.com/sudalk/nanobot/tool"
)

// Options configures the Nanobot instance.
type Options struct {
	// Providers maps provider names to instances; DefaultProvider must be
	// one of the keys.
	Providers       map[string]provider.Provider
	DefaultProvider string
	DefaultModel    string
	Aliases         map[string]agent.ModelAlias

	// SystemPrompt prefixes every conversation; empty omits the system turn.
	SystemPrompt string

	// MaxIterations bounds the model-call/tool-dispatch cycle (default 20).
	MaxIterations int

	// Interceptors are extra pre-dispatch policy hooks evaluated before the
	// generic loop, after the built-in vision/search routing.
	Interceptors []agent.Interceptor

	// VisionTool, when set, routes media-bearing messages straight to the
	// named capability. SearchTool does the same for keyword-matching
	// queries (SearchKeywords nil selects the default keyword set).
	VisionTool     string
	SearchTool     string
	SearchKeywords []string

	// SessionStore defaults to an in-memory implementation.
	SessionStore session.Store

	// BusBuffer sets the message queue capacity.
	BusBuffer int

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Nanobot is the high-level façade aggregating the loop and its services.
type Nanobot struct {
	opts     Options
	loop     *agent.Loop
	bus      *bus.Bus
	registry *tool.Registry
	tracker  *task.Tracker
	tasks    *task.Service
	peers    []*mcp.Peer
	logger   logging.Logger
}

// New creates a Nanobot with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Nanobot, error) {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	registry := tool.NewRegistry(logger)
	tracker := task.NewTracker(logger)

	var interceptors []agent.Interceptor
	if opts.VisionTool != "" {
		interceptors = append(interceptors, agent.NewVisionInterceptor(registry, opts.VisionTool))
	}
	if opts.SearchTool != "" {
		interceptors = append(interceptors, agent.NewSearchInterceptor(registry, opts.SearchTool, opts.SearchKeywords))
	}
	interceptors = append(interceptors, opts.Interceptors...)

	loop, err := agent.NewLoop(agent.Config{
		Providers:       opts.Providers,
		DefaultProvider: opts.DefaultProvider,
		DefaultModel:    opts.DefaultModel,
		Aliases:         opts.Aliases,
		Registry:        registry,
		Store:           opts.SessionStore,
		Context:         agent.NewContextBuilder(opts.SystemPrompt),
		Interceptors:    interceptors,
		MaxIterations:   opts.MaxIterations,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &Nanobot{
		opts:     opts,
		loop:     loop,
		bus:      bus.New(opts.BusBuffer),
		registry: registry,
		tracker:  tracker,
		tasks:    task.NewService(tracker),
		logger:   logger,
	}, nil
}

// RegisterTool adds a local tool capability. Registration happens during
// startup, before Run.
func (n *Nanobot) RegisterTool(t tool.Tool) { n.registry.Register(t) }

// ConnectMCP launches an external tool server, discovers its tools and
// registers them. A failed discovery degrades to a single generic tool under
// the server name; the error is reported but never fatal.
func (n *Nanobot) ConnectMCP(ctx context.Context, name string, cfg mcp.Config) error {
	peer := mcp.NewPeer(cfg, n.logger)
	n.peers = append(n.peers, peer)
	return mcp.DiscoverTools(ctx, peer, name, n.registry, n.logger)
}

// Run drives the loop from the message bus until the context ends.
func (n *Nanobot) Run(ctx context.Context) error {
	return n.loop.Run(ctx, n.bus)
}

// Process handles one message directly and returns the final content.
func (n *Nanobot) Process(ctx context.Context, content string, opts agent.DirectOptions) (string, error) {
	return n.loop.ProcessDirect(ctx, content, opts)
}

// Bus exposes the message queues for channel frontends.
func (n *Nanobot) Bus() *bus.Bus { return n.bus }

// Tools exposes the registry for startup wiring.
func (n *Nanobot) Tools() *tool.Registry { return n.registry }

// Tasks exposes the presentation-facing task surface.
func (n *Nanobot) Tasks() *task.Service { return n.tasks }

// Tracker exposes the underlying task tracker for tool implementations.
func (n *Nanobot) Tracker() *task.Tracker { return n.tracker }

// Shutdown terminates every connected MCP peer. Safe to call more than once.
func (n *Nanobot) Shutdown() error {
	var firstErr error
	for _, peer := range n.peers {
		if err := peer.Terminate(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("terminate peer: %w", err)
		}
	}
	return firstErr
}
