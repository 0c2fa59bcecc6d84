// ABOUTME: Entry point for jarvis-gateway, the real-time chat session server
// ABOUTME: Subcommands serve the gateway, manage accounts and query a running instance

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/config"
	"github.com/2389/jarvis-gateway/internal/gateway"
	"github.com/2389/jarvis-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   _                  _
  (_) __ _ _ ____   _(_)___        __ _  __ _| |_ _____      ____ _ _   _
  | |/ _' | '__\ \ / / / __|_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  | | (_| | |   \ V /| \__ \_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 _/ |\__,_|_|    \_/ |_|___/      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|__/                              |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: JARVIS_CONFIG env var > XDG_CONFIG_HOME/jarvis/gateway.yaml > ~/.config/jarvis/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("JARVIS_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "gateway.yaml")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "jarvis")
}

// getDataPath returns the jarvis data directory.
// Priority: XDG_DATA_HOME/jarvis > ~/.local/share/jarvis
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "jarvis")
}

func usage() {
	fmt.Println("Usage: jarvis-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  adduser                Create an account")
	fmt.Println("  token --user NAME      Issue a credential for an account")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  online                 List users with a live session")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "adduser":
		err = runAddUser(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "online":
		err = runOnline(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet creates a subcommand flag set with the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("jarvis-gateway "+name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", getConfigPath(), "path to the config file (.yaml or .toml)")
	return fs, configPath
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Inference: %s\n", cfg.Inference.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting jarvis-gateway",
		"version", version,
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Database.Driver,
		"inference", cfg.Inference.Backend,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// openStore loads the config at path and opens its store.
func openStore(ctx context.Context, path string) (*config.Config, store.Store, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return cfg, s, nil
}

// runToken issues a credential for an existing account and prints it, or
// saves it where jarvis-chat looks for it with --save.
func runToken(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("token")
	username := fs.StringP("user", "u", "", "username or e-mail of the account")
	ttl := fs.Duration("ttl", 0, "credential lifetime (default auth.token_lifetime)")
	save := fs.Bool("save", false, "write the credential to the jarvis-chat token file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--user is required")
	}

	cfg, s, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	var user *store.User
	if strings.Contains(*username, "@") {
		user, err = s.GetUserByEmail(ctx, *username)
	} else {
		user, err = s.GetUserByUsername(ctx, *username)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no account named %q", *username)
	}
	if err != nil {
		return fmt.Errorf("looking up account: %w", err)
	}
	if !user.IsActive {
		return fmt.Errorf("account %q is inactive", *username)
	}

	lifetime := cfg.Auth.TokenLifetime
	if *ttl > 0 {
		lifetime = *ttl
	}
	validator, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token validator: %w", err)
	}
	token, err := validator.Issue(user.ID, lifetime)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	if !*save {
		fmt.Println(token)
		return nil
	}
	tokenPath := filepath.Join(configDir(), "token")
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Saved token: %s (expires %s)\n", tokenPath, time.Now().Add(lifetime).Format("Jan 02, 2006 15:04"))
	return nil
}

// baseURL returns the HTTP base URL of the configured gateway.
func baseURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("health")
	addr := fs.String("url", "", "gateway base URL (default from server.http_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	if *addr == "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	body, status, err := get(ctx, baseURL(cfg, *addr)+"/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	fmt.Println("healthy:", strings.TrimSpace(string(body)))
	return nil
}

func runOnline(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("online")
	addr := fs.String("url", "", "gateway base URL (default from server.http_addr)")
	token := fs.String("token", os.Getenv("JARVIS_TOKEN"), "credential (default $JARVIS_TOKEN or the saved token file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	if *addr == "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if *token == "" {
		data, err := os.ReadFile(filepath.Join(configDir(), "token"))
		if err != nil {
			return errors.New("no credential: pass --token, set JARVIS_TOKEN or run 'jarvis-gateway token --save'")
		}
		*token = strings.TrimSpace(string(data))
	}

	body, status, err := get(ctx, baseURL(cfg, *addr)+"/api/v1/online", *token)
	if err != nil {
		return fmt.Errorf("listing online users: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var online struct {
		Users []gateway.OnlineUser `json:"users"`
		Count int                  `json:"count"`
	}
	if err := json.Unmarshal(body, &online); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	cyan := color.New(color.FgCyan)
	for _, u := range online.Users {
		cyan.Printf("  %-24s", u.DisplayName)
		fmt.Printf(" %s  since %s\n", u.UserID, u.ConnectedAt)
	}
	fmt.Printf("%d online\n", online.Count)
	return nil
}

func get(ctx context.Context, url, token string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
