// Command nanobot runs the conversational agent as a local REPL: it loads
// configuration, wires the providers, tools and MCP servers into the loop,
// and reads messages from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/sudalk/nanobot"
	"github.com/sudalk/nanobot/agent"
	"github.com/sudalk/nanobot/config"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/mcp"
	"github.com/sudalk/nanobot/provider"
	anthropicprovider "github.com/sudalk/nanobot/provider/anthropic"
	openaiprovider "github.com/sudalk/nanobot/provider/openai"
	"github.com/sudalk/nanobot/session"
	"github.com/sudalk/nanobot/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nanobot:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	message := flag.String("m", "", "process a single message and exit")
	model := flag.String("model", "", "model alias override")
	flag.Parse()

	// Local development keys live in .env; absence is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		return fmt.Errorf("no provider configured: set an API key in %s or the environment", *configPath)
	}
	if _, ok := providers[cfg.Agent.DefaultProvider]; !ok {
		for name := range providers {
			logger.Warn("main.default_provider_unavailable", "configured", cfg.Agent.DefaultProvider, "using", name)
			cfg.Agent.DefaultProvider = name
			break
		}
	}

	store, closeStore, err := buildSessionStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bot, err := nanobot.New(func(o *nanobot.Options) {
		o.Providers = providers
		o.DefaultProvider = cfg.Agent.DefaultProvider
		o.DefaultModel = cfg.Agent.DefaultModel
		o.Aliases = buildAliases(cfg)
		o.SystemPrompt = cfg.Agent.SystemPrompt
		o.MaxIterations = cfg.Agent.MaxIterations
		o.SessionStore = store
		o.BusBuffer = cfg.Bus.Buffer
		o.VisionTool = cfg.Agent.VisionTool
		o.SearchTool = cfg.Agent.SearchTool
		o.SearchKeywords = cfg.Agent.SearchKeywords
		o.Logger = logger
	})
	if err != nil {
		return err
	}
	defer bot.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, server := range cfg.MCP {
		if !server.Enabled {
			continue
		}
		if err := bot.ConnectMCP(ctx, server.Name, mcp.Config{
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		}); err != nil {
			logger.Warn("main.mcp_degraded", "server", server.Name, "error", err.Error())
		}
	}

	stopCleanup := bot.Tasks().StartCleanup(cfg.Tasks.CleanupInterval, cfg.Tasks.MaxAge)
	defer stopCleanup()

	if *message != "" {
		out, err := bot.Process(ctx, *message, agent.DirectOptions{Model: *model})
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	return repl(ctx, bot, *model)
}

// loadConfig falls back to built-in defaults when the default config file is
// absent; an explicitly broken file is still an error.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildProviders(cfg *config.Config, logger logging.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)

	if key := firstNonEmpty(cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
		providers["openai"] = openaiprovider.New(logger, func(o *openaiprovider.Options) {
			o.APIKey = key
			if cfg.Providers.OpenAI.APIBase != "" {
				o.BaseURL = cfg.Providers.OpenAI.APIBase
			}
			if cfg.Providers.OpenAI.DefaultModel != "" {
				o.DefaultModel = cfg.Providers.OpenAI.DefaultModel
			}
		})
	}
	if key := firstNonEmpty(cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		providers["anthropic"] = anthropicprovider.New(logger, func(o *anthropicprovider.Options) {
			o.APIKey = key
			if cfg.Providers.Anthropic.DefaultModel != "" {
				o.DefaultModel = cfg.Providers.Anthropic.DefaultModel
			}
		})
	}
	return providers
}

func buildSessionStore(cfg *config.Config, logger logging.Logger) (session.Store, func(), error) {
	if cfg.Session.Store == "sqlite" {
		store, err := session.NewSQLiteStore(cfg.Session.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	return session.NewInMemoryStore(), func() {}, nil
}

func buildAliases(cfg *config.Config) map[string]agent.ModelAlias {
	aliases := make(map[string]agent.ModelAlias, len(cfg.Aliases))
	for name, mapped := range cfg.Aliases {
		aliases[strings.ToLower(name)] = agent.ModelAlias{
			Provider: mapped.Provider,
			Model:    mapped.Model,
		}
	}
	return aliases
}

// repl reads messages from stdin until EOF or interrupt. Task updates for
// the CLI session are pushed to the terminal as they happen.
func repl(ctx context.Context, bot *nanobot.Nanobot, model string) error {
	prompt := color.New(color.FgCyan, color.Bold).SprintFunc()
	answer := color.New(color.FgGreen).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	watch := bot.Tasks().Watch("cli:direct", func(ev task.Event) {
		fmt.Printf("%s\n", faint(fmt.Sprintf("[task %s] %s %d%%", ev.Task.TaskID, ev.Task.Status, ev.Task.Progress)))
	})
	defer bot.Tasks().Unwatch(watch)

	fmt.Println(faint("nanobot ready — type a message, or \"exit\" to quit"))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(prompt("you> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		out, err := bot.Process(ctx, line, agent.DirectOptions{Model: model})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("%s\n", color.New(color.FgRed).Sprintf("error: %v", err))
			continue
		}
		fmt.Printf("%s %s\n", answer("bot>"), out)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
