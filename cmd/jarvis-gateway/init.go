// ABOUTME: Setup subcommands: interactive config generation and account creation
// ABOUTME: init writes a config with a fresh JWT secret, adduser creates an active account

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/store"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr   string
	DBDriver   string
	DBPath     string
	DBDSN      string
	JWTSecret  string
	Backend    string
	BackendURL string
	Model      string
	Origins    []string
	Tailscale  bool
	TSHostname string
	TSHTTPS    bool
	LogLevel   string
	LogFormat  string
	Metrics    bool
}

func runInit(args []string) error {
	fs, configPath := newFlagSet("init")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("jarvis-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", *configPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	a := initAnswers{JWTSecret: secret}

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	origins := prompt(reader, "Allowed browser origins (comma separated host patterns)", "localhost:*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			a.Origins = append(a.Origins, o)
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	a.DBDriver = prompt(reader, "Driver (sqlite/postgres)", "sqlite")
	if a.DBDriver == "postgres" {
		a.DBDSN = prompt(reader, "Postgres DSN", "postgres://jarvis@localhost:5432/jarvis")
	} else {
		a.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))
	}

	fmt.Println("\n--- Inference Configuration ---")
	a.Backend = prompt(reader, "Backend (echo/http)", "echo")
	if a.Backend == "http" {
		a.BackendURL = prompt(reader, "Backend URL", "http://localhost:8000")
		a.Model = prompt(reader, "Model name", "")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "jarvis-gateway")
		a.TSHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")
	a.Metrics = yes(prompt(reader, "Expose Prometheus metrics?", "no"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the JWT secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  jarvis-gateway adduser --username you --email you@example.com")
	fmt.Println("  jarvis-gateway serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# jarvis-gateway configuration\n")
	b.WriteString("# Generated by jarvis-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n\n", a.HTTPAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.DBDriver)
	if a.DBDSN != "" {
		fmt.Fprintf(&b, "  dsn: %q\n\n", a.DBDSN)
	} else {
		fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)
	}

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_lifetime: \"10h\"\n\n")

	b.WriteString("gateway:\n")
	b.WriteString("  allowed_origins:\n")
	for _, o := range a.Origins {
		fmt.Fprintf(&b, "    - %q\n", o)
	}
	b.WriteString("  write_timeout: \"5s\"\n\n")

	b.WriteString("inference:\n")
	fmt.Fprintf(&b, "  backend: %q\n", a.Backend)
	if a.BackendURL != "" {
		fmt.Fprintf(&b, "  url: %q\n", a.BackendURL)
		b.WriteString("  api_key: \"${JARVIS_INFERENCE_API_KEY}\"\n")
	}
	if a.Model != "" {
		fmt.Fprintf(&b, "  model: %q\n", a.Model)
	}
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		fmt.Fprintf(&b, "  https: %t\n", a.TSHTTPS)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Metrics)
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// runAddUser creates an active account directly in the configured store.
func runAddUser(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("adduser")
	username := fs.String("username", "", "login name")
	email := fs.String("email", "", "e-mail address")
	displayName := fs.String("display-name", "", "name shown to other users")
	password := fs.String("password", "", "password (prompted when omitted)")
	admin := fs.Bool("admin", false, "grant the admin role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *password == "" {
		pw, err := readPassword(os.Stdin)
		if err != nil {
			return err
		}
		*password = pw
	}
	if err := auth.ValidateRegistration(*username, *email, *password); err != nil {
		return err
	}

	_, s, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}
	user := &store.User{
		Username:     *username,
		Email:        *email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(*displayName),
		Role:         store.RoleUser,
		IsActive:     true,
		IsVerified:   true,
	}
	if *admin {
		user.Role = store.RoleAdmin
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return fmt.Errorf("username or e-mail already registered")
		}
		return fmt.Errorf("creating account: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created account %s (%s)\n", user.Username, user.ID)
	fmt.Printf("\n  jarvis-gateway token --user %s --save\n", user.Username)
	return nil
}

// readPassword prompts twice without echo when stdin is a terminal and
// reads a single line otherwise.
func readPassword(in *os.File) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
