package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxray-ai/console/internal/voice"
	"github.com/voxray-ai/console/pkg/audio"
)

type textRequest struct {
	Text string `json:"text"`
}

type retryRequest struct {
	MessageID string `json:"message_id"`
}

type handsFreeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) registerVoice() {
	c := s.deps.Voice

	s.mux.HandleFunc("GET /api/voice", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Snapshot())
	})
	s.mux.HandleFunc("GET /api/voice/quick-actions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, voice.QuickActions())
	})

	s.voiceAction("POST /api/voice/click", func(r *http.Request) error { return c.Click(r.Context()) })
	s.voiceAction("POST /api/voice/start", func(r *http.Request) error { return c.StartRecording(r.Context()) })
	s.voiceAction("POST /api/voice/stop", func(*http.Request) error { return c.StopRecording() })
	s.voiceAction("POST /api/voice/playback/stop", func(*http.Request) error { return c.StopPlayback() })
	s.voiceAction("POST /api/voice/quick-actions/{id}", func(r *http.Request) error {
		return c.RunQuickAction(r.Context(), r.PathValue("id"))
	})

	s.mux.HandleFunc("POST /api/voice/text", func(w http.ResponseWriter, r *http.Request) {
		var req textRequest
		if !s.decodeOrFail(w, r, &req) {
			return
		}
		s.respondVoice(r.Context(), w, c.ProcessText(r.Context(), req.Text))
	})
	s.mux.HandleFunc("POST /api/voice/retry", func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if !s.decodeOrFail(w, r, &req) {
			return
		}
		s.respondVoice(r.Context(), w, c.Retry(r.Context(), req.MessageID))
	})
	s.mux.HandleFunc("POST /api/voice/hands-free", func(w http.ResponseWriter, r *http.Request) {
		var req handsFreeRequest
		if !s.decodeOrFail(w, r, &req) {
			return
		}
		c.SetHandsFree(req.Enabled)
		writeJSON(w, http.StatusOK, c.Snapshot())
	})
}

func (s *Server) voiceAction(pattern string, fn func(*http.Request) error) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.respondVoice(r.Context(), w, fn(r))
	})
}

// respondVoice writes the controller snapshot on success, or the error with
// a status matching its cause. Failures the controller already reported in
// the conversation still get an error status.
func (s *Server) respondVoice(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, s.deps.Voice.Snapshot())
		return
	}
	status := voiceStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "voice request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

func voiceStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, voice.ErrUnknownMessage), errors.Is(err, voice.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrBusy),
		errors.Is(err, voice.ErrNotListening),
		errors.Is(err, voice.ErrNotSpeaking),
		errors.Is(err, voice.ErrNotRetryable),
		errors.Is(err, voice.ErrWrongState),
		errors.Is(err, voice.ErrIllegalTransition),
		errors.Is(err, audio.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrNoDevice), errors.Is(err, voice.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
