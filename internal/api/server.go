// SPDX-License-Identifier: MIT

// Package api exposes the command, presence and session surface over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/command"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/presence"
	"github.com/shiftcam/shiftcam/internal/session"
	"github.com/shiftcam/shiftcam/internal/token"
)

// SessionStore extends the base session contract with supervisor
// reassignment, which only the SQLite store implements.
type SessionStore interface {
	session.Store
	ReassignSupervisor(ctx context.Context, from, to string, userIDs []string) error
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP handlers and their dependencies.
type Server struct {
	Auth        auth.Authenticator
	Dispatcher  *command.Dispatcher
	Ledger      bus.Ledger
	Sessions    SessionStore
	Broadcaster *presence.Broadcaster
	Hub         *presence.Hub
	Issuer      token.Issuer

	// Pingers are checked by /healthz. Order does not matter.
	Pingers []Pinger

	logger zerolog.Logger
}

// Options groups the server dependencies for construction.
type Options struct {
	Auth        auth.Authenticator
	Dispatcher  *command.Dispatcher
	Ledger      bus.Ledger
	Sessions    SessionStore
	Broadcaster *presence.Broadcaster
	Hub         *presence.Hub
	Issuer      token.Issuer
	Pingers     []Pinger
}

func NewServer(opts Options) *Server {
	return &Server{
		Auth:        opts.Auth,
		Dispatcher:  opts.Dispatcher,
		Ledger:      opts.Ledger,
		Sessions:    opts.Sessions,
		Broadcaster: opts.Broadcaster,
		Hub:         opts.Hub,
		Issuer:      opts.Issuer,
		Pingers:     opts.Pingers,
		logger:      log.WithComponent("api"),
	}
}

// RouterConfig tunes the transport middleware.
type RouterConfig struct {
	RateLimitRPS   int
	RateLimitBurst int
}

// Router assembles the full route table. Health and metrics stay outside
// the authentication boundary.
func (s *Server) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(Recoverer)
	if cfg.RateLimitRPS > 0 {
		limit := cfg.RateLimitRPS
		if cfg.RateLimitBurst > limit {
			limit = cfg.RateLimitBurst
		}
		r.Use(httprate.LimitByIP(limit, time.Second))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.Authenticate)

		r.Post("/api/commands", s.handleIssueCommand)
		r.Post("/api/commands/ack", s.handleAckCommands)
		r.Get("/api/commands/pending", s.handlePendingCommands)
		r.Post("/api/status/batch", s.handleBatchStatus)
		r.Post("/api/sessions/confirm", s.handleConfirmSession)
		r.Get("/api/sessions/{email}/credentials", s.handleCredentials)
		r.Post("/api/supervisors/reassign", s.handleReassign)
		r.Get("/ws", s.handleWebsocket)
	})

	return r
}
