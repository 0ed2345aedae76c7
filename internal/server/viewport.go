package server

import (
	"net/http"

	"github.com/voxray-ai/console/pkg/viewport"
)

// viewportResponse is returned by every viewport endpoint and published on
// the event stream.
type viewportResponse struct {
	State    viewport.ViewState `json:"state"`
	Dragging bool               `json:"dragging"`
	Velocity viewport.Point     `json:"velocity"`
}

type containerRequest struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type wheelRequest struct {
	DeltaY float64 `json:"delta_y"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type zoomRequest struct {
	Zoom float64 `json:"zoom"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type dragStartRequest struct {
	Button int `json:"button"`
}

type dragRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// windowRequest updates brightness and/or contrast; nil fields are unchanged.
type windowRequest struct {
	Brightness *float64 `json:"brightness"`
	Contrast   *float64 `json:"contrast"`
}

type overlayRequest struct {
	Opacity float64 `json:"opacity"`
}

func (s *Server) registerViewport() {
	v := s.deps.Viewport

	s.mux.HandleFunc("GET /api/viewport", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.viewportState())
	})

	s.viewportAction("container", func(w http.ResponseWriter, r *http.Request) bool {
		var req containerRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		if req.Width < 0 || req.Height < 0 {
			writeError(w, http.StatusBadRequest, "container size must not be negative")
			return false
		}
		v.SetContainer(req.Width, req.Height)
		return true
	})
	s.viewportAction("wheel", func(w http.ResponseWriter, r *http.Request) bool {
		var req wheelRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		v.Wheel(req.DeltaY, viewport.Point{X: req.X, Y: req.Y})
		return true
	})
	s.viewportAction("zoom", func(w http.ResponseWriter, r *http.Request) bool {
		var req zoomRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		if req.Zoom <= 0 {
			writeError(w, http.StatusBadRequest, "zoom must be positive")
			return false
		}
		v.ZoomTo(req.Zoom, viewport.Point{X: req.X, Y: req.Y})
		return true
	})
	s.viewportAction("zoom-in", func(http.ResponseWriter, *http.Request) bool {
		v.ZoomIn()
		return true
	})
	s.viewportAction("zoom-out", func(http.ResponseWriter, *http.Request) bool {
		v.ZoomOut()
		return true
	})
	s.viewportAction("drag/start", func(w http.ResponseWriter, r *http.Request) bool {
		var req dragStartRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		v.BeginDrag(req.Button)
		return true
	})
	s.viewportAction("drag", func(w http.ResponseWriter, r *http.Request) bool {
		var req dragRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		v.Drag(req.DX, req.DY)
		return true
	})
	s.viewportAction("drag/end", func(http.ResponseWriter, *http.Request) bool {
		v.EndDrag()
		return true
	})
	s.viewportAction("reset", func(http.ResponseWriter, *http.Request) bool {
		v.Reset()
		return true
	})
	s.viewportAction("window", func(w http.ResponseWriter, r *http.Request) bool {
		var req windowRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		if req.Brightness != nil {
			v.SetBrightness(*req.Brightness)
		}
		if req.Contrast != nil {
			v.SetContrast(*req.Contrast)
		}
		return true
	})
	s.viewportAction("overlay", func(w http.ResponseWriter, r *http.Request) bool {
		var req overlayRequest
		if !s.decodeOrFail(w, r, &req) {
			return false
		}
		v.SetOverlayOpacity(req.Opacity)
		return true
	})
}

// viewportAction registers POST /api/viewport/{name}. When apply succeeds the
// new state is returned and published.
func (s *Server) viewportAction(name string, apply func(http.ResponseWriter, *http.Request) bool) {
	s.mux.HandleFunc("POST /api/viewport/"+name, func(w http.ResponseWriter, r *http.Request) {
		if !apply(w, r) {
			return
		}
		resp := s.viewportState()
		s.hub.Publish(EventViewport, resp)
		writeJSON(w, http.StatusOK, resp)
	})
}

func (s *Server) viewportState() viewportResponse {
	v := s.deps.Viewport
	return viewportResponse{State: v.State(), Dragging: v.Dragging(), Velocity: v.Velocity()}
}

func (s *Server) decodeOrFail(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decode(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
