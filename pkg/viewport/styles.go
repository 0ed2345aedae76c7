package viewport

import "fmt"

// ImageStyle is the presentation of the base image.
type ImageStyle struct {
	Transform string `json:"transform"`
	Filter    string `json:"filter"`
}

// OverlayStyle is the presentation of the heatmap overlay. It shares the
// image's geometric transform but never its brightness/contrast filter.
type OverlayStyle struct {
	Transform string  `json:"transform"`
	Opacity   float64 `json:"opacity"`
}

// Styles bundles the image and overlay presentation for one view state.
type Styles struct {
	Image   ImageStyle   `json:"image"`
	Overlay OverlayStyle `json:"overlay"`
}

// StylesFor renders s as CSS transform/filter values.
func StylesFor(s ViewState) Styles {
	transform := fmt.Sprintf("translate(%.2fpx, %.2fpx) scale(%.4f)", s.Pan.X, s.Pan.Y, s.Zoom)
	return Styles{
		Image: ImageStyle{
			Transform: transform,
			Filter:    fmt.Sprintf("brightness(%g%%) contrast(%g%%)", s.Brightness, s.Contrast),
		},
		Overlay: OverlayStyle{
			Transform: transform,
			Opacity:   s.OverlayOpacity,
		},
	}
}

// Styles renders the current state. See [StylesFor].
func (e *Engine) Styles() Styles {
	return StylesFor(e.State())
}
