// Package crop models the interactive crop stage. The widget that lets a user
// pick a rectangle is an external collaborator; this package hands it the
// image size, the fixed aspect ratio and the pan/zoom state, and keeps the
// region it reports.
package crop

import (
	"fmt"
	"math"
	"sync"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
)

// Size is the pixel size of the bitmap being cropped.
type Size struct {
	Width, Height int
}

// State is the pan/zoom state shown by the widget. Zoom is at least 1; PanX
// and PanY offset the crop centre from the image centre in source pixels.
type State struct {
	Zoom       float64
	PanX, PanY float64
}

// Widget reports the pixel-space region selected for a given image, aspect
// ratio and pan/zoom state. Implementations must return a region inside the
// image.
type Widget interface {
	Region(size Size, aspect float64, state State) core.Region
}

// WidgetFunc adapts a function to Widget.
type WidgetFunc func(size Size, aspect float64, state State) core.Region

func (f WidgetFunc) Region(size Size, aspect float64, state State) core.Region {
	return f(size, aspect, state)
}

// Centered is the default widget: the largest rectangle of the aspect ratio
// that fits the image, shrunk by zoom, centred, shifted by pan and clamped so
// it never leaves the image.
type Centered struct{}

func (Centered) Region(size Size, aspect float64, state State) core.Region {
	if size.Width <= 0 || size.Height <= 0 || aspect <= 0 {
		return core.Region{}
	}
	w, h := float64(size.Width), float64(size.Height)
	cw, ch := w, w/aspect
	if ch > h {
		cw, ch = h*aspect, h
	}
	zoom := state.Zoom
	if zoom < 1 {
		zoom = 1
	}
	rw := clamp(int(math.Round(cw/zoom)), 1, size.Width)
	rh := clamp(int(math.Round(ch/zoom)), 1, size.Height)

	cx := w/2 + state.PanX
	cy := h/2 + state.PanY
	x := clamp(int(math.Round(cx-float64(rw)/2)), 0, size.Width-rw)
	y := clamp(int(math.Round(cy-float64(rh)/2)), 0, size.Height-rh)
	return core.Region{X: x, Y: y, Width: rw, Height: rh}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Session is one open crop dialog over one bitmap. Every state change is
// forwarded to the widget and the resulting region is kept and broadcast to
// the OnChange callback. Safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	size     Size
	aspect   float64
	widget   Widget
	state    State
	region   core.Region
	onChange func(core.Region)
}

// NewSession opens a crop over an image of the given size. A nil widget means
// Centered.
func NewSession(size Size, aspect float64, w Widget) (*Session, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "crop.session", apperrors.ErrInvalidDimensions)
	}
	if aspect <= 0 || math.IsInf(aspect, 0) || math.IsNaN(aspect) {
		return nil, apperrors.New(apperrors.CategoryInput, "crop.session",
			fmt.Errorf("aspect ratio %v must be positive", aspect))
	}
	if w == nil {
		w = Centered{}
	}
	s := &Session{size: size, aspect: aspect, widget: w, state: State{Zoom: 1}}
	s.region = w.Region(size, aspect, s.state)
	return s, nil
}

// Size returns the size of the image under the crop.
func (s *Session) Size() Size { return s.size }

// Aspect returns the fixed aspect ratio (width / height).
func (s *Session) Aspect() float64 { return s.aspect }

// OnChange registers fn to receive every region the widget reports.
func (s *Session) OnChange(fn func(core.Region)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current pan/zoom state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Region returns the last region reported by the widget.
func (s *Session) Region() core.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// SetZoom updates zoom (values below 1 become 1) and returns the new region.
func (s *Session) SetZoom(zoom float64) core.Region {
	return s.update(func(st *State) {
		if zoom < 1 {
			zoom = 1
		}
		st.Zoom = zoom
	})
}

// SetPan updates the pan offset and returns the new region.
func (s *Session) SetPan(x, y float64) core.Region {
	return s.update(func(st *State) {
		st.PanX, st.PanY = x, y
	})
}

// Set replaces the whole pan/zoom state and returns the new region.
func (s *Session) Set(state State) core.Region {
	return s.update(func(st *State) {
		*st = state
		if st.Zoom < 1 {
			st.Zoom = 1
		}
	})
}

func (s *Session) update(mutate func(*State)) core.Region {
	s.mu.Lock()
	mutate(&s.state)
	s.region = s.widget.Region(s.size, s.aspect, s.state)
	region, fn := s.region, s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(region)
	}
	return region
}
