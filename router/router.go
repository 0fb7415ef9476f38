// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"net/http"

	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/handlers"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/middleware"
	"github.com/danielhkuo/publix/publix"
)

func NewRouter(svc *publix.Service, hub *group.Hub, cfg cliparse.Config) *http.ServeMux {
	mux := http.NewServeMux()

	// Initialize handlers
	jar := idcookie.NewJar(cfg.CookieSecret, cfg.MaxIdCookies)
	publixHandler := handlers.NewPublixHandler(svc, jar, cfg)
	groupHandler := handlers.NewGroupHandler(svc, hub, jar, cfg)

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Study run lifecycle
	mux.HandleFunc("GET /publix/studies/{studyId}/start", middleware.WithLogging(publixHandler.StartStudy))
	mux.HandleFunc("GET /publix/{srid}/start-component", middleware.WithLogging(publixHandler.StartComponent))
	mux.HandleFunc("GET /publix/{srid}/next-component", middleware.WithLogging(publixHandler.NextComponent))
	mux.HandleFunc("GET /publix/{srid}/init-data", middleware.WithLogging(publixHandler.InitData))
	mux.HandleFunc("POST /publix/{srid}/study-session-data", middleware.WithLogging(publixHandler.StudySessionData))
	mux.HandleFunc("POST /publix/{srid}/result-data", middleware.WithLogging(publixHandler.SubmitResultData))
	mux.HandleFunc("POST /publix/{srid}/result-data/append", middleware.WithLogging(publixHandler.AppendResultData))
	mux.HandleFunc("GET /publix/{srid}/finish-component", middleware.WithLogging(publixHandler.FinishComponent))
	mux.HandleFunc("GET /publix/{srid}/abort", middleware.WithLogging(publixHandler.AbortStudy))
	mux.HandleFunc("GET /publix/{srid}/finish", middleware.WithLogging(publixHandler.FinishStudy))
	mux.HandleFunc("POST /publix/{srid}/heartbeat", middleware.WithLogging(publixHandler.Heartbeat))
	mux.HandleFunc("POST /publix/{srid}/log", middleware.WithLogging(publixHandler.Log))
	mux.HandleFunc("GET /publix/{srid}/end", middleware.WithLogging(publixHandler.End))

	// Group studies
	mux.HandleFunc("GET /publix/{srid}/group/join", middleware.WithLogging(groupHandler.Join))
	mux.HandleFunc("GET /publix/{srid}/group/reassign", middleware.WithLogging(groupHandler.Reassign))
	mux.HandleFunc("GET /publix/{srid}/group/leave", middleware.WithLogging(groupHandler.Leave))

	// Component pages and their files
	mux.Handle("GET /study_assets/", http.StripPrefix("/study_assets/", http.FileServer(http.Dir(cfg.AssetsDir))))

	// Root endpoint
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("publix study-run server v1"))
	})

	return mux
}
