// Package main implements the cppdex CLI: a workspace-scoped semantic
// indexing and query service for C++ source trees.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cppdex/internal/config"
	"cppdex/internal/logging"
	"cppdex/internal/server"
	"cppdex/internal/service"
)

var (
	flagWorkspace string
	flagConfig    string
	flagManifest  string
)

var rootCmd = &cobra.Command{
	Use:   "cppdex",
	Short: "Semantic index and query service for C++ workspaces",
	Long: `cppdex maintains a content-addressed cache of AST-derived facts
(symbols, references, call edges, include deps) across the repos of a
workspace, layers sparse PR overlays over a long-lived baseline, and
answers definition/reference/call-graph queries with an explicit
confidence envelope.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service for a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, svc, err := boot()
		if err != nil {
			return err
		}
		defer svc.Close()
		defer logging.Sync()

		svc.Restore(cmd.Context())

		manifestPath := flagManifest
		if manifestPath == "" {
			manifestPath = filepath.Join(flagWorkspace, "cppdex.yaml")
		}
		if _, err := os.Stat(manifestPath); err == nil {
			if _, err := svc.Register(cmd.Context(), manifestPath); err != nil {
				return err
			}
		}

		srv := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: server.New(svc).Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			fmt.Fprintf(os.Stderr, "cppdex listening on %s\n", cfg.Server.ListenAddr)
			errCh <- srv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "shutting down on %s\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [manifest.yaml]",
	Short: "Register a workspace manifest and create its baseline context",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, svc, err := boot()
		if err != nil {
			return err
		}
		defer svc.Close()
		defer logging.Sync()

		manifestPath := flagManifest
		if len(args) == 1 {
			manifestPath = args[0]
		}
		if manifestPath == "" {
			manifestPath = filepath.Join(flagWorkspace, "cppdex.yaml")
		}

		ws, err := svc.Register(cmd.Context(), manifestPath)
		if err != nil {
			return err
		}
		fmt.Printf("workspace %s registered (%d repos)\n", ws.Info.WorkspaceID, len(ws.Manifest.Repos))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.DefaultConfig().Version)
	},
}

// boot loads config, initialises logging, and opens the service.
func boot() (*config.Config, *service.Service, error) {
	configPath := flagConfig
	if configPath == "" {
		configPath = filepath.Join(flagWorkspace, ".cppdex", "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := logging.Initialize(flagWorkspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, nil, err
	}

	svc, err := service.New(cfg, service.DBPath(cfg, flagWorkspace))
	if err != nil {
		return nil, nil, err
	}
	return cfg, svc, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "workspace root directory")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default <workspace>/.cppdex/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagManifest, "manifest", "m", "", "manifest file (default <workspace>/cppdex.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
