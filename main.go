package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/events"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/middleware"
	"github.com/danielhkuo/publix/publix"
	"github.com/danielhkuo/publix/router"
)

const adminTokenTTL = 30 * 24 * time.Hour

func main() {
	var err error

	// Parse configuration
	cfg, err := cliparse.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("Error parsing flags", "error", err)
		os.Exit(1)
	}

	// Issue an admin token and exit
	if cfg.IssueAdminToken != "" {
		tok, err := auth.SignAdminToken(cfg.IssueAdminToken, cfg.JWTSecret, adminTokenTTL)
		if err != nil {
			slog.Error("admin token signing failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	// Connect to the database
	dbConn, err := db.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Create schema (tables)
	if err := db.CreateSchema(dbConn); err != nil {
		slog.Error("schema creation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database schema ready", "type", cfg.DatabaseType)

	store := db.NewStore(dbConn, cfg.DatabaseType)
	if cfg.FixturesPath != "" {
		if err := db.LoadFixturesFile(context.Background(), store, cfg.FixturesPath); err != nil {
			slog.Error("loading fixtures failed", "path", cfg.FixturesPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Fixtures loaded", "path", cfg.FixturesPath)
	}

	// Run events go to the broker if one is configured
	var pub events.Publisher = events.LogPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, 5)
		if err != nil {
			slog.Error("event broker connection failed", "error", err)
			os.Exit(1)
		}
		pub = amqpPub
	}
	defer pub.Close()

	hub := group.NewHub()
	defer hub.Close()
	svc := publix.NewService(store, cfg, hub, pub)

	if cfg.SweepAbandonedAfter > 0 {
		n, err := svc.SweepAbandoned(context.Background(), cfg.SweepAbandonedAfter)
		if err != nil {
			slog.Error("sweeping abandoned runs failed", "error", err)
		} else {
			slog.Info("Abandoned runs failed", "count", n, "idle_for", cfg.SweepAbandonedAfter)
		}
	}

	// Create router
	mux := router.NewRouter(svc, hub, cfg)

	// Create server
	server := http.Server{
		Handler: middleware.CORSWithOrigins(cfg.AllowedOrigins)(mux),
		Addr:    ":" + strconv.Itoa(cfg.Port),
	}

	// signal.Notify requires the channel to be buffered
	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		// Wait for Ctrl-C signal
		<-ctrlc
		server.Close()
	}()

	// Start server
	slog.Info("Listening", "port", cfg.Port, "assets", cfg.AssetsDir)
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		slog.Error("Server closed", "error", err)
	} else {
		slog.Info("Server closed", "error", err)
	}
}
