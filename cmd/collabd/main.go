package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"collabtext/internal/app"
	"collabtext/internal/auth"
	"collabtext/internal/config"
)

var (
	configPath string
	tokenUser  string

	rootCmd = &cobra.Command{
		Use:   "collabd",
		Short: "Real-time collaborative text sync server",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve sync sessions until interrupted",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables",
		RunE:  runMigrate,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (development)",
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user ID to put in the token")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	return a.Run(ctx, ln)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return app.Migrate(cmd.Context(), cfg.Postgres.URL, cfg.Log.Logger(os.Stderr))
}

func runToken(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	tok, err := tokens.Issue(tokenUser)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
