// ABOUTME: Terminal client for jarvis-gateway: sends lines, streams replies, shows presence
// ABOUTME: Reply frames are cumulative, so only the new suffix of each frame is printed

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

type outgoing struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// frame is the union of reply and presence frames.
type frame struct {
	Type        string `json:"type"`
	Response    string `json:"response"`
	State       string `json:"state"`
	EndOfStream bool   `json:"end_of_stream"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultTokenPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "jarvis", "token")
}

func loadToken(explicit, path string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("JARVIS_TOKEN"); env != "" {
		return env, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("no credential: pass --token, set JARVIS_TOKEN or save one to %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

func run() error {
	fs := pflag.NewFlagSet("jarvis-chat", pflag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "gateway websocket URL")
	token := fs.String("token", "", "credential (default $JARVIS_TOKEN or the saved token file)")
	tokenFile := fs.String("token-file", defaultTokenPath(), "file holding the credential")
	cookie := fs.String("cookie", "", "send the credential in this cookie instead of an Authorization header")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cred, err := loadToken(*token, *tokenFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	header := http.Header{}
	if *cookie != "" {
		header.Set("Cookie", *cookie+"="+cred)
	} else {
		header.Set("Authorization", "Bearer "+cred)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, *url, &websocket.DialOptions{HTTPHeader: header})
	dialCancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	gray := color.New(color.FgHiBlack)
	gray.Printf("connected to %s (/attach PATH to queue a file, /quit to leave)\n", *url)

	replyDone := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() { readErr <- readFrames(ctx, conn, replyDone) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var pending []attachment
	for {
		color.New(color.FgGreen).Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return conn.Close(websocket.StatusNormalClosure, "bye")
		case err := <-readErr:
			return err
		case line, ok = <-lines:
			if !ok {
				return conn.Close(websocket.StatusNormalClosure, "bye")
			}
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return conn.Close(websocket.StatusNormalClosure, "bye")
		case strings.HasPrefix(line, "/attach "):
			a, err := readAttachment(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			if err != nil {
				color.Red("%v", err)
				continue
			}
			pending = append(pending, a)
			gray.Printf("queued %s (%s, %d bytes)\n", a.Filename, a.MimeType, len(a.Data))
			continue
		}

		writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(writeCtx, conn, outgoing{Role: "user", Content: line, Attachments: pending})
		writeCancel()
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		pending = nil

		select {
		case <-replyDone:
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return conn.Close(websocket.StatusNormalClosure, "bye")
		}
	}
}

// readFrames prints frames until the connection ends. replyDone receives a
// value after every terminal reply frame.
func readFrames(ctx context.Context, conn *websocket.Conn, replyDone chan<- struct{}) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	printed := ""

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return nil
			case -1:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading: %w", err)
			default:
				var ce websocket.CloseError
				errors.As(err, &ce)
				return fmt.Errorf("connection closed: %d %s", ce.Code, ce.Reason)
			}
		}

		switch f.Type {
		case "presence":
			name := f.DisplayName
			if name == "" {
				name = f.UserID
			}
			gray.Printf("\r* %s %s\n", name, f.Status)
		case "reply":
			if f.State == "ERROR" {
				color.Red("\n%s", f.Response)
				printed = ""
			} else {
				// Frames are cumulative; print only what is new.
				if strings.HasPrefix(f.Response, printed) {
					cyan.Print(f.Response[len(printed):])
				} else {
					cyan.Print("\n" + f.Response)
				}
				printed = f.Response
			}
			if f.EndOfStream {
				if f.State == "WAITING_FOR_CONFIRMATION" {
					gray.Print("  [awaiting confirmation]")
				}
				fmt.Println()
				printed = ""
				select {
				case replyDone <- struct{}{}:
				default:
				}
			}
		}
	}
}

func readAttachment(path string) (attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i > 0 {
		mimeType = mimeType[:i]
	}
	return attachment{Filename: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}

