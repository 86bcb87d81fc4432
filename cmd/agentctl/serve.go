package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/controlplane/internal/config"
	"github.com/agentsh/controlplane/internal/dispatcher"
	"github.com/agentsh/controlplane/internal/githubapi"
	"github.com/agentsh/controlplane/internal/githubsync"
	"github.com/agentsh/controlplane/internal/gitstatus"
	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/linearapi"
	"github.com/agentsh/controlplane/internal/scheduler"
	"github.com/agentsh/controlplane/internal/server"
	"github.com/agentsh/controlplane/internal/session"
	"github.com/agentsh/controlplane/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve [addr]",
	Short: "Serve the control plane over a websocket listener",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("path", "/agent", "websocket upgrade path")
}

func ghAuthToken() (string, error) {
	out, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := ":8080"
	if len(args) > 0 {
		addr = args[0]
	}
	path, _ := cmd.Flags().GetString("path")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store at %s: %w", cfg.Store.Path, err)
	}
	defer st.Close()

	j := journal.New(cfg.Journal.Retention)
	sessions := session.NewRegistry()
	gs := gitstatus.New(cfg.Git.StatusCache.TTL, cfg.Git.StatusCache.MaxEntries, cfg.Git.PollInterval)
	sc := scheduler.New(st, gs, sessions, j)

	var gh dispatcher.GitHub
	var ghClient *githubapi.Client
	if cfg.GitHub.Enabled {
		token, err := cfg.ResolveGitHubToken(os.Getenv, ghAuthToken)
		if err != nil || token == "" {
			fmt.Println("warning: no github token resolved, github.* commands will fail")
		} else {
			ghClient = githubapi.New(token, 1, 5)
			gh = ghClient
		}
	}

	var linear dispatcher.Linear
	if cfg.Linear.Enabled {
		apiKey := cfg.Linear.APIKey
		if apiKey == "" {
			fmt.Println("warning: no linear api key configured, linear.* commands will fail")
		}
		linear = linearapi.New(apiKey)
	}

	d := dispatcher.New(st, j, sessions, gs, sc, gh, linear)

	var syncWorker *githubsync.Worker
	if ghClient != nil {
		syncWorker = githubsync.NewWorker(ghClient, st, j, githubsync.Config{Interval: cfg.GitHub.PollInterval})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		syncWorker.Start(ctx)
		defer syncWorker.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, server.Handler(d))

	httpServer := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	fmt.Printf("agentctl serving on %s%s\n", addr, path)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
