package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/pkg/backend"
)

// maxImageBytes bounds uploaded scans.
const maxImageBytes = 20 << 20

// handleAnalyze serves POST /api/analyze. The form carries the scan in
// image_file and an optional explain=false to skip the heatmap.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+(1<<20))
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image is too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "Please choose an image to analyse.")
		return
	}
	f, hdr, err := r.FormFile("image_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Please choose an image to analyse.")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read the uploaded image.")
		return
	}

	mime := http.DetectContentType(data)
	if len(data) > 0 && !strings.HasPrefix(mime, "image/") {
		writeError(w, http.StatusUnsupportedMediaType, "Please choose an image file.")
		return
	}

	explain := true
	if v := r.FormValue("explain"); v != "" {
		if explain, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "explain must be a boolean")
			return
		}
	}

	img := backend.Image{Name: hdr.Filename, Data: data, MIMEType: mime}
	res, err := s.deps.Analysis.Analyze(r.Context(), img, explain)
	s.hub.Publish(EventViewport, s.viewportState())
	if err != nil {
		writeError(w, analysisStatus(err), analysis.FailureText(err))
		return
	}

	if s.deps.Sessions != nil {
		s.deps.Sessions.RecordAnalysis(r.Context(), res)
	}
	s.hub.Publish(EventAnalysis, res)
	writeJSON(w, http.StatusOK, res)
}

func analysisStatus(err error) int {
	if code, ok := backend.StatusCode(err); ok {
		switch code {
		case http.StatusUnauthorized, http.StatusServiceUnavailable:
			return code
		}
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, analysis.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
