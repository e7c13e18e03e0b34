// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/command"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
)

const (
	maxAckBatch    = 100
	maxStatusBatch = 1000
)

func validEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

type issueCommandRequest struct {
	Command       string `json:"command"`
	EmployeeEmail string `json:"employeeEmail"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req issueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body")
		return
	}
	if !bus.CommandType(req.Command).Valid() {
		writeError(w, "unknown command")
		return
	}
	if !validEmail(req.EmployeeEmail) {
		writeError(w, "invalid employee email")
		return
	}
	if req.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, req.Timestamp); err != nil {
			writeError(w, "timestamp must be RFC 3339")
			return
		}
	}

	id, err := s.Dispatcher.Issue(r.Context(), command.Request{
		Type:        bus.CommandType(req.Command),
		TargetEmail: req.EmployeeEmail,
		Reason:      req.Reason,
	}, principal)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"commandId": id})
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleAckCommands(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxAckBatch {
		writeError(w, "ids must contain between 1 and 100 entries")
		return
	}
	for _, id := range req.IDs {
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, "ids must be UUIDs")
			return
		}
	}

	if err := s.Ledger.Acknowledge(r.Context(), req.IDs...); err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordAcks(len(req.IDs))

	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": len(req.IDs)})
}

func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	cmds, err := s.Ledger.FetchPending(r.Context(), principal.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if cmds == nil {
		cmds = []bus.Command{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type batchStatusRequest struct {
	Emails []string `json:"emails"`
}

// handleBatchStatus resolves session state for up to 1000 users in one
// round trip. Authorization happens once for the whole batch.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	if err := principal.RequireRole(auth.RoleSupervisor); err != nil {
		writeDomainError(w, err)
		return
	}

	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body")
		return
	}
	if len(req.Emails) == 0 || len(req.Emails) > maxStatusBatch {
		writeError(w, "emails must contain between 1 and 1000 entries")
		return
	}

	seen := make(map[string]struct{}, len(req.Emails))
	normalized := make([]string, 0, len(req.Emails))
	for _, e := range req.Emails {
		if !validEmail(e) {
			writeError(w, "invalid email in batch")
			return
		}
		key := bus.GroupFor(e)
		if _, dup := seen[key]; dup {
			writeError(w, "duplicate email in batch")
			return
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}

	statuses, err := s.Sessions.LatestFor(r.Context(), normalized)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

type confirmRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// handleConfirmSession is the single write path for session state. A
// command is intent; the client reports back here once the transition
// actually took effect, which is what flips the stored state and emits
// the presence event.
func (s *Server) handleConfirmSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body")
		return
	}

	user := bus.GroupFor(principal.Email)
	logger := log.WithComponentFromContext(r.Context(), "api")

	switch bus.PresenceStatus(req.Status) {
	case bus.StatusStarted:
		sess, err := s.Sessions.Start(r.Context(), user)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.syncActiveStreams(r.Context())
		if err := s.Broadcaster.OnSessionTransition(r.Context(), user, bus.StatusStarted); err != nil {
			logger.Warn().Err(err).Str(log.FieldEmail, user).Msg("presence publish failed")
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"sessionId": sess.ID,
			"room":      sess.Room,
		})

	case bus.StatusStopped:
		reason := req.Reason
		if reason == "" {
			reason = "client-stop"
		}
		sess, err := s.Sessions.Stop(r.Context(), user, reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.syncActiveStreams(r.Context())
		if err := s.Broadcaster.OnSessionTransition(r.Context(), user, bus.StatusStopped); err != nil {
			logger.Warn().Err(err).Str(log.FieldEmail, user).Msg("presence publish failed")
		}
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID})

	default:
		writeError(w, "status must be started or stopped")
	}
}

// syncActiveStreams sets the gauge from the store instead of counting
// transitions, so restarts and racing stops cannot make it drift.
func (s *Server) syncActiveStreams(ctx context.Context) {
	n, err := s.Sessions.ActiveCount(ctx)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "api")
		logger.Warn().Err(err).Msg("active count failed")
		return
	}
	metrics.ActiveStreams.Set(float64(n))
}

// handleCredentials mints viewer credentials for a running stream.
// Supervisors may view any stream; employees only their own.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	email := bus.GroupFor(chi.URLParam(r, "email"))
	if !validEmail(email) {
		writeError(w, "invalid email")
		return
	}
	if !principal.HasRole(auth.RoleSupervisor) && bus.GroupFor(principal.Email) != email {
		writeForbidden(w)
		return
	}

	active, err := s.Sessions.ActiveFor(r.Context(), email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if active == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}

	creds, err := s.Issuer.Issue(r.Context(), active.Room, principal.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, creds)
}

type reassignRequest struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	UserIDs []string `json:"userIds"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	if err := principal.RequireRole(auth.RoleSupervisor); err != nil {
		writeDomainError(w, err)
		return
	}

	var req reassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body")
		return
	}
	if req.From == "" || req.To == "" || len(req.UserIDs) == 0 {
		writeError(w, "from, to and userIds are required")
		return
	}

	users := make([]string, len(req.UserIDs))
	for i, u := range req.UserIDs {
		users[i] = bus.GroupFor(u)
	}

	if err := s.Sessions.ReassignSupervisor(r.Context(), bus.GroupFor(req.From), bus.GroupFor(req.To), users); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"reassigned": len(users)})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	s.Hub.Serve(r.Context(), w, r, principal)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.Pingers {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
