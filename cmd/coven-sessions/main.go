// ABOUTME: Entry point for the coven-sessions conversation server
// ABOUTME: Subcommands serve, init, health, conversations and token

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/config"
	"github.com/2389/coven-sessions/internal/gateway"
	"github.com/2389/coven-sessions/internal/reconcile"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___  ___  ___ ___(_) ___  _ __  ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __|/ _ \/ __/ __| |/ _ \| '_ \/ __|
| (_| (_) \ V /  __/ | | |_____\__ \  __/\__ \__ \ | (_) | | | \__ \
 \___\___/ \_/ \___|_| |_|     |___/\___||___/___/_|\___/|_| |_|___/
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: coven-sessions <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                     Start the server")
	fmt.Println("  init                      Create a new config file interactively")
	fmt.Println("  health                    Check server health and readiness")
	fmt.Println("  conversations [--archived] List conversations")
	fmt.Println("  token [--subject NAME]    Mint an API token from auth.jwt_secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A local .env may carry secrets referenced as ${VAR} in the config.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "conversations":
		err = runConversations(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	if cfg.Runner.GRPCAddr != "" {
		fmt.Printf("Runner:    %s\n", cfg.Runner.GRPCAddr)
	} else {
		fmt.Print("Runner:    ")
		yellow.Println("built-in echo")
	}
	green.Print("    ▶ ")
	fmt.Printf("Models:    %s (default %s)\n", strings.Join(cfg.Runner.Models, ", "), cfg.Runner.DefaultModel)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled (auth.jwt_secret unset)")
	}
	fmt.Println()

	logger.Info("starting coven-sessions",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// baseURL is where the CLI reaches a locally running server.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func tokenPath() string {
	return filepath.Join(config.ConfigHome(), "token")
}

// readToken returns COVEN_SESSIONS_TOKEN, else the token file written by the
// token command, else "".
func readToken() string {
	if t := os.Getenv("COVEN_SESSIONS_TOKEN"); t != "" {
		return strings.TrimSpace(t)
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, probe := range []string{"/health", "/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+probe, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", probe, resp.StatusCode)
		}
	}

	fmt.Println("healthy")
	return nil
}

func runConversations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	archived := fs.Bool("archived", false, "list archived conversations instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	src := reconcile.NewHTTPSource(baseURL(cfg), readToken())
	convs, err := src.Conversations(ctx, *archived)
	if err != nil {
		var serr *reconcile.StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w (run: coven-sessions token)", err)
		}
		return err
	}
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return nil
	}

	green := color.New(color.FgGreen)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tMODEL\tSTATE\tUPDATED\tID")
	for _, c := range convs {
		state := "idle"
		if c.AgentWorking {
			state = green.Sprint("working")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Slug, c.Model, state, humanize.Time(c.UpdatedAt), c.ID)
	}
	return w.Flush()
}

// runToken mints a bearer token from the configured secret and saves it
// where coven-watch and the conversations command look for it.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", os.Getenv("USER"), "token subject")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	printOnly := fs.Bool("print", false, "print the token instead of saving it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", config.Path())
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	if *printOnly {
		fmt.Println(token)
		return nil
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token for %s: %s\n", *subject, path)
	fmt.Printf("    expires %s (%s)\n", time.Now().Add(*ttl).Format("Jan 02, 2006"), humanize.Time(time.Now().Add(*ttl)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-sessions configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDbPath := filepath.Join(config.DataPath(), "sessions.db")

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "coven-sessions")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Runner Configuration ---")
	grpcAddr := prompt(reader, "Runner gRPC address (leave empty for built-in echo)", "")
	models := prompt(reader, "Models (comma separated)", config.DefaultModel)

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if yes(prompt(reader, "Require API tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-sessions configuration\n")
	cfg.WriteString("# Generated by coven-sessions init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))
	}

	cfg.WriteString("runner:\n")
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("  models:\n")
	for _, m := range strings.Split(models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.WriteString(fmt.Sprintf("    - %q\n", m))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  idle_timeout: \"30m\"\n")
	cfg.WriteString("  cleanup_interval: \"1m\"\n")
	cfg.WriteString("  cancel_timeout: \"10s\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	// Refuse to write something serve would reject.
	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-sessions serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token for coven-watch:")
		fmt.Println("  coven-sessions token")
	}
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
