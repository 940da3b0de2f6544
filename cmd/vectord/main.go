package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	vectordata "github.com/hubenschmidt/go-vectordata"
	"github.com/hubenschmidt/go-vectordata/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	verbose  bool
	addr     string
	recreate bool
)

var rootCmd = &cobra.Command{
	Use:   "vectord",
	Short: "vectord - vector record service",
	Long: `vectord stores text records with their embeddings and serves
similarity search over them through a REST API.

Embeddings come from an Ollama server; records live in memory, SQLite
or PostgreSQL with pgvector, depending on the store DSN.`,
	Version:       vectordata.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or load the configured collection and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vectord %s\n", vectordata.Version)
		fmt.Fprintf(out, "Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: search "+config.ConfigPaths[0]+" and friends)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	initCmd.Flags().BoolVar(&recreate, "recreate", false, "drop and recreate the collection")

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd)

	// No subcommand means serve.
	rootCmd.RunE = serveCmd.RunE
}

// configSource names the file LoadConfig reads, or "built-in defaults".
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if path, ok := config.FindConfigFile(); ok {
		return path
	}
	return "built-in defaults"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	app, err := vectordata.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	app.Logger.Info("configuration loaded", "source", configSource())

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	app.Logger.Info("server stopped")
	return nil
}

func runInit(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Collection.InitializeOnStartup = false
	cfg.Metrics.Enabled = false

	app, err := vectordata.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Service.Initialize(ctx, recreate); err != nil {
		return err
	}
	st := app.Service.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config: %s\n", configSource())
	fmt.Fprintf(out, "collection %s is %s (backend %s, dimension %d, %d records)\n",
		st.Collection, st.State, st.Backend, st.Dimension, app.Service.Count(ctx))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
