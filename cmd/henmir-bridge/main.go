// henmir-bridge connects Henmir's recruitment CRM to WhatsApp.
//
// It answers candidate messages with an LLM-driven chatbot backed by the
// CRM's vacancy and registration endpoints, watches idle conversations
// for situations that need a human recruiter, and streams chat activity
// to the operator panel over WebSocket. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	henmir-bridge serve              Start the bridge
//	henmir-bridge init [dir]         Initialize a working directory with defaults
//	henmir-bridge version            Print version and build information
//	henmir-bridge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Henmir-HN/crm-henmir/internal/analyzer"
	"github.com/Henmir-HN/crm-henmir/internal/buildinfo"
	"github.com/Henmir-HN/crm-henmir/internal/config"
	"github.com/Henmir-HN/crm-henmir/internal/convstate"
	"github.com/Henmir-HN/crm-henmir/internal/crmtools"
	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/httpapi"
	"github.com/Henmir-HN/crm-henmir/internal/llm"
	"github.com/Henmir-HN/crm-henmir/internal/orchestrator"
	"github.com/Henmir-HN/crm-henmir/internal/store"
	"github.com/Henmir-HN/crm-henmir/internal/whatsapp"
	"github.com/Henmir-HN/crm-henmir/internal/wsbridge"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the henmir-bridge command. All
// OS-level dependencies are injected as parameters so tests can drive
// the full lifecycle. It returns nil on clean shutdown and a non-nil
// error for any failure; the caller prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "henmir-bridge - Henmir CRM WhatsApp chatbot bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: henmir-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/henmir/config.yaml, /etc/henmir/config.yaml")
	return nil
}

// runServe handles the "henmir-bridge serve" subcommand. It is the
// primary operating mode: loads config, opens the conversation store,
// wires the orchestrator, analyzer, and transport, starts the API
// server, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting henmir-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger only covers the startup
	// banner and config load message.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			if parsed, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
				level = parsed
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.OpenAI.Model,
		"crm_url", cfg.CRM.BaseURL,
	)

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai.api_key not configured - model calls will fail")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation store ---
	// SQLite-backed conversations, messages, notifications, tags, and
	// runtime settings. Persists across restarts.
	dbPath := filepath.Join(cfg.DataDir, "henmir.db")
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("conversation database opened", "path", dbPath)

	// --- Event bus ---
	// Fan-out for the operator panel. All components publish here; the
	// WebSocket bridge subscribes one channel per panel session.
	bus := events.New()

	machine := convstate.New(st, bus, logger)

	llmClient := llm.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	gateway := crmtools.New(cfg.CRM.BaseURL, cfg.CRM.APIKey, cfg.CRM.Timeout(), logger)

	// --- Inactivity analyzer ---
	// Watches chats that have gone quiet and classifies the tail of the
	// conversation, escalating to a human when warranted.
	analyzerModel := cfg.Analyzer.Model
	if analyzerModel == "" {
		analyzerModel = cfg.OpenAI.Model
	}
	anz := analyzer.New(st, machine, llmClient, bus, analyzerModel,
		cfg.Analyzer.Quiescence(), cfg.Analyzer.HistoryLimit, logger)
	defer anz.Stop()

	orch := orchestrator.New(st, machine, gateway, llmClient, bus, anz,
		cfg.OpenAI.Model, 0, logger)

	// --- WhatsApp transport ---
	// Optional. Without it the bridge still answers through the intake
	// webhook; manual operator sends report the transport as down.
	var transport httpapi.Transport
	if cfg.WhatsApp.Enabled {
		waPath := cfg.WhatsApp.DBPath
		if waPath == "" {
			waPath = filepath.Join(cfg.DataDir, "whatsapp.db")
		}
		wa, err := whatsapp.New(waPath, bus, logger)
		if err != nil {
			return fmt.Errorf("open whatsapp session store %s: %w", waPath, err)
		}
		wa.OnInbound(func(chatID, contactName, sender, text string, ts time.Time) {
			archiveInbound(st, bus, anz, logger, chatID, contactName, sender, text, ts)
		})
		if err := wa.Connect(ctx); err != nil {
			return fmt.Errorf("connect whatsapp: %w", err)
		}
		defer wa.Disconnect()
		transport = wa
		logger.Info("whatsapp transport enabled", "session_db", waPath)
	} else {
		logger.Info("whatsapp transport disabled")
	}

	// --- API server and operator WebSocket ---
	// The WebSocket bridge sends manual messages through the server's
	// operator-send path, so the two reference each other. The server
	// pointer is captured by closure and set before Start builds the
	// route table.
	var server *httpapi.Server
	ws := wsbridge.New(bus, func(sendCtx context.Context, phone, message, contactName string) error {
		return server.SendOperatorMessage(sendCtx, phone, message, contactName)
	}, logger)
	server = httpapi.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		st, machine, orch, transport, anz, bus, ws, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("henmir-bridge stopped")
	return nil
}

// archiveInbound records a message that arrived over the WhatsApp
// transport and re-arms the inactivity analyzer for user activity.
func archiveInbound(st *store.Store, bus *events.Bus, anz *analyzer.Analyzer,
	logger *slog.Logger, chatID, contactName, sender, text string, ts time.Time) {
	if err := st.EnsureConversation(chatID, contactName); err != nil {
		logger.Error("archive conversation failed", "chat_id", chatID, "error", err)
		return
	}
	msg, err := st.AppendMessage(chatID, sender, text, ts)
	if err != nil {
		logger.Error("archive message failed", "chat_id", chatID, "error", err)
		return
	}

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindMessage,
		Data: map[string]any{
			"message_id":   msg.ID,
			"chat_id":      chatID,
			"sender":       sender,
			"content":      text,
			"contact_name": contactName,
		},
	})

	if sender == store.SenderUser {
		anz.Touch(chatID)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
