// Package viewport implements the pan/zoom/windowing engine behind the X-ray
// viewer.
//
// An [Engine] owns a single [ViewState]: zoom level, pan offset, the
// brightness/contrast window applied to the image, and the opacity of the
// co-registered heatmap overlay. Pointer and wheel input is translated into
// state updates by two algorithms:
//
//   - Zoom-to-cursor: the image point under the cursor stays fixed while the
//     zoom level changes ([Engine.Wheel], [Engine.ZoomTo]).
//   - Inertial panning: raw drag deltas pass through a deadzone, exponential
//     smoothing and a velocity clamp, then are scaled by 1/sqrt(zoom) so pan
//     speed is constant in image space ([PanSmoother]).
//
// All Engine methods are safe for concurrent use. Each method applies its
// update atomically and returns the resulting state.
package viewport

import (
	"math"
	"sync"
)

// Zoom, window and opacity bounds.
const (
	MinZoom     = 0.5
	MaxZoom     = 5.0
	DefaultZoom = 1.0

	MinLevel     = 50.0
	MaxLevel     = 150.0
	DefaultLevel = 100.0

	DefaultOverlayOpacity = 0.5

	// ZoomStep is the multiplicative factor used by ZoomIn and ZoomOut.
	ZoomStep = 1.2

	// DefaultZoomSensitivity converts wheel delta units into zoom change.
	DefaultZoomSensitivity = 0.001

	// containmentFactor bounds the pan offset to ±(dim*factor*zoom)/2.
	containmentFactor = 1.5
)

// Pointer buttons accepted by [Engine.BeginDrag].
const (
	ButtonPrimary   = 0
	ButtonAuxiliary = 1
	ButtonSecondary = 2
)

// Point is a 2D offset in screen pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// ViewState is a snapshot of everything the viewer renders.
type ViewState struct {
	Zoom           float64 `json:"zoom"`
	Pan            Point   `json:"pan"`
	Brightness     float64 `json:"brightness"`
	Contrast       float64 `json:"contrast"`
	OverlayOpacity float64 `json:"overlay_opacity"`
}

// DefaultViewState returns the state of a freshly loaded image.
func DefaultViewState() ViewState {
	return ViewState{
		Zoom:           DefaultZoom,
		Brightness:     DefaultLevel,
		Contrast:       DefaultLevel,
		OverlayOpacity: DefaultOverlayOpacity,
	}
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithPanConfig overrides the inertial pan tuning.
func WithPanConfig(cfg PanConfig) Option {
	return func(e *Engine) { e.smoother = NewPanSmoother(cfg) }
}

// WithZoomSensitivity overrides the wheel-delta to zoom conversion factor.
func WithZoomSensitivity(s float64) Option {
	return func(e *Engine) { e.zoomSensitivity = s }
}

// WithContainer sets the initial container size.
func WithContainer(width, height float64) Option {
	return func(e *Engine) {
		e.width = width
		e.height = height
	}
}

// Engine owns the view state of one displayed image and its overlay.
type Engine struct {
	mu sync.Mutex

	state           ViewState
	zoomSensitivity float64
	smoother        *PanSmoother
	dragging        bool

	width  float64
	height float64
}

// New creates an Engine in the default view state.
func New(opts ...Option) *Engine {
	e := &Engine{
		state:           DefaultViewState(),
		zoomSensitivity: DefaultZoomSensitivity,
		smoother:        NewPanSmoother(DefaultPanConfig()),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current view state.
func (e *Engine) State() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetContainer records the size of the element displaying the image. Cursor
// positions are interpreted relative to its top-left corner and pan
// containment is proportional to it. A zero size disables containment.
func (e *Engine) SetContainer(width, height float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.width = max(width, 0)
	e.height = max(height, 0)
}

// Wheel applies a wheel event at cursor. Negative deltaY zooms in.
func (e *Engine) Wheel(deltaY float64, cursor Point) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoomTo(e.state.Zoom+(-deltaY*e.zoomSensitivity), cursor)
	return e.state
}

// ZoomTo changes the zoom level to target (clamped) while keeping the image
// point under cursor stationary. An animation driver may call it repeatedly
// with eased intermediate values.
func (e *Engine) ZoomTo(target float64, cursor Point) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoomTo(target, cursor)
	return e.state
}

func (e *Engine) zoomTo(target float64, cursor Point) {
	newZoom := clampZoom(target)
	ratio := newZoom / e.state.Zoom
	fromCenter := cursor.Sub(Point{X: e.width / 2, Y: e.height / 2})

	pan := e.state.Pan
	e.state.Pan = Point{
		X: pan.X - (fromCenter.X-pan.X)*(ratio-1),
		Y: pan.Y - (fromCenter.Y-pan.Y)*(ratio-1),
	}
	e.state.Zoom = newZoom
}

// ZoomIn multiplies the zoom level by [ZoomStep] about the current center.
func (e *Engine) ZoomIn() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Zoom = clampZoom(e.state.Zoom * ZoomStep)
	return e.state
}

// ZoomOut divides the zoom level by [ZoomStep] about the current center.
func (e *Engine) ZoomOut() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Zoom = clampZoom(e.state.Zoom / ZoomStep)
	return e.state
}

// BeginDrag starts a pan gesture. Only [ButtonPrimary] pans; other buttons
// are ignored and BeginDrag reports false. Velocity from a previous gesture
// is discarded.
func (e *Engine) BeginDrag(button int) bool {
	if button != ButtonPrimary {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = true
	e.smoother.Reset()
	return true
}

// Drag applies one raw pointer movement. It is a no-op outside a gesture.
func (e *Engine) Drag(dx, dy float64) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dragging {
		return e.state
	}
	d := e.smoother.Step(dx, dy, e.state.Zoom)
	e.state.Pan = e.contain(Point{X: e.state.Pan.X + d.X, Y: e.state.Pan.Y + d.Y})
	return e.state
}

// EndDrag ends the current gesture, on button release or when the pointer
// leaves the container.
func (e *Engine) EndDrag() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = false
}

// Dragging reports whether a pan gesture is in progress.
func (e *Engine) Dragging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dragging
}

// Velocity returns the smoothed pan velocity of the current or last gesture.
func (e *Engine) Velocity() Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smoother.Velocity()
}

func (e *Engine) contain(p Point) Point {
	if e.width > 0 {
		lim := e.width * containmentFactor * e.state.Zoom / 2
		p.X = clamp(p.X, -lim, lim)
	}
	if e.height > 0 {
		lim := e.height * containmentFactor * e.state.Zoom / 2
		p.Y = clamp(p.Y, -lim, lim)
	}
	return p
}

// SetBrightness sets the image brightness percentage, clamped to [50,150].
func (e *Engine) SetBrightness(v float64) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Brightness = clamp(v, MinLevel, MaxLevel)
	return e.state
}

// SetContrast sets the image contrast percentage, clamped to [50,150].
func (e *Engine) SetContrast(v float64) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Contrast = clamp(v, MinLevel, MaxLevel)
	return e.state
}

// SetOverlayOpacity sets the heatmap opacity, clamped to [0,1].
func (e *Engine) SetOverlayOpacity(v float64) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.OverlayOpacity = clamp(v, 0, 1)
	return e.state
}

// Reset restores zoom, pan, brightness and contrast to their defaults in a
// single update. Overlay opacity is left alone.
func (e *Engine) Reset() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	return e.state
}

// LoadImage prepares the engine for a newly displayed image: the view is
// reset and any gesture in progress is abandoned.
func (e *Engine) LoadImage() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	e.dragging = false
	e.smoother.Reset()
	return e.state
}

func (e *Engine) reset() {
	e.state.Zoom = DefaultZoom
	e.state.Pan = Point{}
	e.state.Brightness = DefaultLevel
	e.state.Contrast = DefaultLevel
}

func clampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return DefaultZoom
	}
	return clamp(z, MinZoom, MaxZoom)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
