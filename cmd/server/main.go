package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/logging"
	"github.com/NicolasHaas/roomgate/pkg/server"
	"github.com/NicolasHaas/roomgate/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP/websocket bind address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.DurationVar(&cfg.BusyTimeout, "busy-timeout", cfg.BusyTimeout, "How long a store call waits on a locked database")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Deadline for handling one client frame")
	flag.StringVar(&cfg.RoomsFile, "rooms-file", "", "YAML file defining rooms to create on startup")
	flag.DurationVar(&cfg.MetricsLog, "metrics-log", cfg.MetricsLog, "Interval of the metrics log line (0 to disable)")
	flag.BoolVar(&cfg.TLS, "tls", false, "Serve wss/https")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportRooms, "export-rooms", false, "Export all rooms as YAML and exit")

	addUser := flag.String("add-user", "", "Create a user with this username and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("roomgate", version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := datastore.NewProviderFactory(cfg.DBPath, cfg.BusyTimeout)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Run-and-exit commands
	if *addUser != "" || cfg.ExportUsers || cfg.ExportRooms {
		err := runCommand(ctx, st, cfg, *addUser)
		_ = st.Close()
		if err != nil {
			slog.Error("command failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting roomgate", "version", version.String(), "listen", cfg.ListenAddr, "db", cfg.DBPath)
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, st datastore.DataProviderFactory, cfg server.Config, username string) error {
	if username != "" {
		u, err := st.NonTx().CreateUser(ctx, username)
		if err != nil {
			return fmt.Errorf("add user: %w", err)
		}
		fmt.Printf("created user %q with id %d\n", u.Username, u.ID)
	}
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(ctx, st)
		if err != nil {
			return fmt.Errorf("export users: %w", err)
		}
		fmt.Print(string(data))
	}
	if cfg.ExportRooms {
		data, err := server.ExportRoomsYAML(ctx, st)
		if err != nil {
			return fmt.Errorf("export rooms: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}
