// Mailroom MCP server.
// Stdio transport for coding-agent clients; all state lives under the
// storage root (SQLite catalog plus per-project git archives).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/core"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const instructions = `Mailroom is an asynchronous mailbox for coding agents.
Call ensure_project with your working-copy path, then register_agent to get
(or coin) a name. Send and fetch messages with send_message / fetch_inbox;
reserve files you are about to edit with file_reservation_paths so peers see
the claim before they touch the same paths.`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("mailroom " + Version)
			return
		case "status":
			runStatusCommand()
			return
		}
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailroom: config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(settings.LogFile)
	logger.Println("Starting Mailroom MCP server...")
	logger.Printf("Storage root: %s", settings.StorageRoot)
	logger.Printf("Catalog: %s", settings.DatabaseURL)

	c, err := core.New(settings, logger)
	if err != nil {
		logger.Fatalf("Core init: %v", err)
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"mailroom",
		Version,
		server.WithInstructions(instructions),
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true),
	)
	c.Register(mcpServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when daemonized (nohup, launchd, etc.).
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	c.Workers.StartAll(ctx)

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	// Client disconnected or signal received -- tear everything down.
	cancel()
	if err := c.Close(); err != nil {
		logger.Printf("Warning: shutdown: %v", err)
	}
	logger.Println("Server stopped")
}

// setupLogger writes to a size-rotated log file, plus stderr when stderr is
// an interactive terminal. Stdout stays clean for the MCP stdio transport.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   logFilePath,
				MaxSize:    20, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			})
			hasLogFile = true
		} else {
			fmt.Fprintf(os.Stderr, "[mailroom] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[mailroom] ", log.LstdFlags|log.Lshortfile)
}

// runStatusCommand implements "mailroom status": project and agent counts
// straight from the catalog, no server needed.
func runStatusCommand() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c, err := core.New(settings, log.New(io.Discard, "", 0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	projects, err := c.Catalog.ListProjects(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	agents := 0
	for _, p := range projects {
		list, err := c.Catalog.ListAgents(ctx, p.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		agents += len(list)
	}
	fmt.Printf("projects=%d agents=%d\n", len(projects), agents)
}
