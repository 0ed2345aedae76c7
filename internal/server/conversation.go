package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/voxray-ai/console/internal/archive"
	"github.com/voxray-ai/console/pkg/conversation"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 500
)

type conversationResponse struct {
	SessionID string                 `json:"session_id,omitempty"`
	Messages  []conversation.Message `json:"messages"`
}

func (s *Server) registerConversation() {
	store := s.deps.Conversation

	s.mux.HandleFunc("GET /api/conversation", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.conversation())
	})

	// Clearing starts a new archive session so every conversation is
	// archived on its own.
	s.mux.HandleFunc("DELETE /api/conversation", func(w http.ResponseWriter, r *http.Request) {
		store.Clear()
		if s.deps.Sessions != nil {
			if err := s.deps.Sessions.Rotate(r.Context()); err != nil {
				s.logger.WarnContext(r.Context(), "rotating archive session", "err", err)
			}
		}
		writeJSON(w, http.StatusOK, s.conversation())
	})

	s.mux.HandleFunc("POST /api/conversation/{id}/seen", func(w http.ResponseWriter, r *http.Request) {
		if !store.MarkSeen(r.PathValue("id")) {
			writeError(w, http.StatusNotFound, "unknown message")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) conversation() conversationResponse {
	resp := conversationResponse{Messages: s.deps.Conversation.Messages()}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if s.deps.Sessions != nil {
		resp.SessionID = s.deps.Sessions.SessionID()
	}
	return resp
}

// handleArchiveRecent serves GET /api/archive/recent?session_id=&limit=.
// The session defaults to the current one.
func (s *Server) handleArchiveRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	sessionID := q.Get("session_id")
	if sessionID == "" && s.deps.Sessions != nil {
		sessionID = s.deps.Sessions.SessionID()
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	entries, err := s.deps.Archive.Recent(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "archive recent", "err", err)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	writeEntries(w, entries)
}

// handleArchiveSearch serves GET /api/archive/search?q=&session_id=&role=&after=&before=&limit=.
// after and before are RFC 3339 timestamps.
func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	opts := archive.SearchOpts{
		SessionID: q.Get("session_id"),
		Role:      conversation.Role(q.Get("role")),
		Limit:     limit,
	}
	for key, dst := range map[string]*time.Time{"after": &opts.After, "before": &opts.Before} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}
	entries, err := s.deps.Archive.Search(r.Context(), query, opts)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "archive search", "err", err)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	writeEntries(w, entries)
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return defaultArchiveLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxArchiveLimit), true
}

func writeEntries(w http.ResponseWriter, entries []archive.Entry) {
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
