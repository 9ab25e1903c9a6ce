package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/remote"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

const maxBodyBytes = 1 << 20

type sessionResponse struct {
	Session sessions.SessionRecord `json:"session"`
}

func (s *Server) handleList(withCounts bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		principal, _ := PrincipalFromContext(req.Context())
		q, err := remote.DecodeQuery(req.URL.Query())
		if err != nil {
			s.writeError(w, req, err)
			return
		}
		res, err := s.store.List(req.Context(), principal, q)
		if err != nil {
			s.writeError(w, req, err)
			return
		}
		if !withCounts {
			res.Counts = nil
		}
		s.writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	principal, _ := PrincipalFromContext(req.Context())
	r, err := s.store.Get(req.Context(), principal, req.PathValue("id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Session: r})
}

func (s *Server) handleCreate(w http.ResponseWriter, req *http.Request) {
	principal, _ := PrincipalFromContext(req.Context())
	var in sessions.NewSession
	if err := decodeBody(req, &in); err != nil {
		s.writeError(w, req, err)
		return
	}
	r, err := s.store.Create(req.Context(), principal, in)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionResponse{Session: r})
}

func (s *Server) handleUpdate(w http.ResponseWriter, req *http.Request) {
	principal, _ := PrincipalFromContext(req.Context())
	var p sessions.Patch
	if err := decodeBody(req, &p); err != nil {
		s.writeError(w, req, err)
		return
	}
	r, err := s.store.Update(req.Context(), principal, req.PathValue("id"), p)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Session: r})
}

func (s *Server) handleDelete(w http.ResponseWriter, req *http.Request) {
	principal, _ := PrincipalFromContext(req.Context())
	hard := false
	if raw := strings.TrimSpace(req.URL.Query().Get("hard")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, req, errors.Wrapf(sessions.ErrInvalidInput, "hard: %s", err))
			return
		}
		hard = v
	}
	if _, err := s.store.Delete(req.Context(), principal, req.PathValue("id"), hard); err != nil {
		s.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		principal, _ := PrincipalFromContext(req.Context())
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := s.hub.Attach(principal, conn); err != nil {
			s.logger.Warn().Err(err).Str("principal", principal).Msg("ws attach failed")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
		}
	}
}

func decodeBody(req *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrapf(sessions.ErrInvalidInput, "decode body: %s", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	ev := s.logger.Debug()
	if status == http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("method", req.Method).Str("path", req.URL.Path).Int("status", status).Msg("request failed")
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal response failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.logger.Warn().Err(err).Msg("response write failed")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
