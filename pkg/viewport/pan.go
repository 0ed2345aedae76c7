package viewport

import "math"

// PanConfig tunes the inertial pan filter applied to raw pointer deltas.
type PanConfig struct {
	// Deadzone is the absolute per-event delta (in screen pixels) below which
	// movement on an axis is ignored as pointer jitter.
	Deadzone float64

	// Sensitivity scales accepted deltas before smoothing.
	Sensitivity float64

	// Smoothing is the exponential smoothing factor in (0,1]. Each event moves
	// the velocity this fraction of the way toward the target delta.
	Smoothing float64

	// MaxVelocity caps the smoothed per-event velocity on each axis.
	MaxVelocity float64
}

// DefaultPanConfig returns the pan tuning used by [New] when no
// [WithPanConfig] option is supplied.
func DefaultPanConfig() PanConfig {
	return PanConfig{
		Deadzone:    2,
		Sensitivity: 0.6,
		Smoothing:   0.15,
		MaxVelocity: 40,
	}
}

// PanSmoother turns raw pointer deltas into smoothed pan displacements.
// The zero value is not usable; create one with [NewPanSmoother].
//
// A PanSmoother is not safe for concurrent use. [Engine] serialises access.
type PanSmoother struct {
	cfg      PanConfig
	velocity Point
}

// NewPanSmoother returns a smoother with zero velocity.
func NewPanSmoother(cfg PanConfig) *PanSmoother {
	return &PanSmoother{cfg: cfg}
}

// Velocity returns the current smoothed velocity.
func (s *PanSmoother) Velocity() Point { return s.velocity }

// Reset zeroes the accumulated velocity.
func (s *PanSmoother) Reset() { s.velocity = Point{} }

// Step feeds one raw pointer delta through the filter and returns the pan
// displacement to apply at the given zoom.
//
// An axis whose raw delta falls inside the deadzone leaves that axis'
// velocity untouched and contributes no displacement.
func (s *PanSmoother) Step(dx, dy, zoom float64) Point {
	scale := 1 / math.Sqrt(zoom)
	var out Point
	if v, ok := s.axis(s.velocity.X, dx); ok {
		s.velocity.X = v
		out.X = v * scale
	}
	if v, ok := s.axis(s.velocity.Y, dy); ok {
		s.velocity.Y = v
		out.Y = v * scale
	}
	return out
}

func (s *PanSmoother) axis(velocity, delta float64) (float64, bool) {
	if math.Abs(delta) < s.cfg.Deadzone {
		return velocity, false
	}
	target := delta * s.cfg.Sensitivity
	velocity += (target - velocity) * s.cfg.Smoothing
	return clamp(velocity, -s.cfg.MaxVelocity, s.cfg.MaxVelocity), true
}
