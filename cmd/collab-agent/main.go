package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/client"
	"collabtext/internal/discovery"
	"collabtext/internal/protocol"
)

var (
	serverAddr string
	documentID string
	token      string
	discover   time.Duration
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "collab-agent",
		Short: "Edit a shared document from the terminal",
		Long: `collab-agent connects to one document, prints its text on every change
and appends each line typed on stdin.`,
		RunE: runAgent,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serverAddr, "server", "localhost:8081", "collabd host:port")
	f.StringVar(&documentID, "doc", "", "document ID")
	f.StringVar(&token, "token", os.Getenv("COLLAB_TOKEN"), "bearer token (default $COLLAB_TOKEN)")
	f.DurationVar(&discover, "discover", 0, "find the server over mDNS, waiting at most this long")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("doc")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := serverAddr
	if discover > 0 {
		dctx, cancel := context.WithTimeout(ctx, discover)
		entry, err := discovery.First(dctx, logger)
		cancel()
		if err != nil {
			return err
		}
		addr = entry.Addr()
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/documents/" + url.PathEscape(documentID) + "/sync"}

	c := client.New(client.Config{URL: u.String(), Token: token}, client.Handlers{
		Change: func(text string) {
			fmt.Printf("--- %s ---\n%s\n", documentID, text)
		},
		Presence: func(m protocol.Message) {
			logger.Debug("presence", "user", m.UserID, "name", m.Username, "cursor", string(m.Cursor))
		},
		Leave: func(userID string) {
			logger.Info("user left", "user", userID)
		},
	}, logger)

	go readInput(ctx, c, logger)
	return c.Run(ctx)
}

func readInput(ctx context.Context, c *client.Client, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := c.Append(scanner.Text() + "\n")
		if errors.Is(err, client.ErrNotSynced) {
			logger.Warn("not connected yet, line dropped")
			continue
		}
		if err != nil {
			logger.Error("edit failed", "error", err)
		}
	}
}
