package form

import (
	"context"
	"sync"

	"github.com/Skryldev/formimage"
	"github.com/Skryldev/formimage/config"
	"github.com/Skryldev/formimage/core"
	"github.com/Skryldev/formimage/crop"
	apperrors "github.com/Skryldev/formimage/errors"
)

// Transformer is the subset of *formimage.Processor a Session drives.
type Transformer interface {
	Resize(ctx context.Context, src core.Source, b core.Bounds) (*formimage.Result, error)
	Extract(ctx context.Context, img *core.ImageData, region core.Region, b core.Bounds) (*formimage.Result, error)
	Compress(ctx context.Context, img *core.ImageData, quality float64) (*formimage.Result, error)
}

// Options configures the image field of one form.
type Options struct {
	Field             string
	ResizeBounds      core.Bounds
	CropBounds        core.Bounds
	SecondPassQuality float64
	Aspect            float64
}

// OptionsFromConfig builds Options for field from cfg.
func OptionsFromConfig(cfg config.Config, field string) Options {
	return Options{
		Field:             field,
		ResizeBounds:      formimage.Bounds(cfg.ResizeBounds),
		CropBounds:        formimage.Bounds(cfg.CropBounds),
		SecondPassQuality: cfg.SecondPassQuality,
		Aspect:            cfg.CropAspectRatio,
	}
}

// Session walks one form's image field through pick, crop and attach.
//
// Pick resizes the chosen file into a preview; BeginCrop opens the crop
// widget over it; ConfirmCrop extracts the region, runs the second
// compression pass and writes the data URL into the payload. CancelCrop
// throws the preview away and leaves the field as it was. Only one of these
// actions runs at a time; a second one fails with ErrBusy.
type Session struct {
	t    Transformer
	opts Options
	log  core.Logger

	mu      sync.Mutex
	busy    bool
	payload Payload
	preview *formimage.Result
	crop    *crop.Session
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger attaches a logger to the session.
func WithLogger(l core.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// NewSession returns a Session over initial, which may be nil.
func NewSession(t Transformer, opts Options, initial Payload, options ...SessionOption) *Session {
	if initial == nil {
		initial = Payload{}
	}
	s := &Session{t: t, opts: opts, payload: initial.Clone()}
	for _, o := range options {
		o(s)
	}
	return s
}

// Pick runs the resize stage on src and keeps the result as the crop preview.
// The payload is not touched.
func (s *Session) Pick(ctx context.Context, src core.Source) (*formimage.Result, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	res, err := s.t.Resize(ctx, src, s.opts.ResizeBounds)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		s.logError("pick failed", err, "name", src.Name)
		return nil, err
	}
	s.preview = res
	s.crop = nil
	s.logDebug("picked", "name", src.Name, "width", res.Width(), "height", res.Height())
	return res, nil
}

// Preview returns the last picked image, or nil.
func (s *Session) Preview() *formimage.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview
}

// BeginCrop opens a crop session over the preview. aspect <= 0 uses the
// configured ratio and a nil widget uses crop.Centered.
func (s *Session) BeginCrop(aspect float64, w crop.Widget) (*crop.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, apperrors.New(apperrors.CategoryPipeline, "begin_crop", apperrors.ErrBusy)
	}
	if s.preview == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, "begin_crop", apperrors.ErrNoBitmap)
	}
	if aspect <= 0 {
		aspect = s.opts.Aspect
	}
	cs, err := crop.NewSession(crop.Size{Width: s.preview.Width(), Height: s.preview.Height()}, aspect, w)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "begin_crop", err)
	}
	s.crop = cs
	return cs, nil
}

// ConfirmCrop extracts the crop region from the preview, compresses it and
// attaches the data URL to the payload. The preview and crop are dropped on
// success; on failure they stay so the user can retry or cancel.
func (s *Session) ConfirmCrop(ctx context.Context) (*formimage.Result, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.CategoryPipeline, "confirm_crop", apperrors.ErrBusy)
	}
	if s.crop == nil || s.preview == nil {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.CategoryPipeline, "confirm_crop", apperrors.ErrNoCrop)
	}
	s.busy = true
	cs, preview, region := s.crop, s.preview, s.crop.Region()
	s.mu.Unlock()

	res, err := s.t.Extract(ctx, preview.Image, region, s.opts.CropBounds)
	if err == nil && s.opts.SecondPassQuality > 0 {
		res, err = s.t.Compress(ctx, res.Image, s.opts.SecondPassQuality)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		s.logError("crop failed", err, "region", region.Rect().String())
		return nil, err
	}
	if s.crop != cs {
		// Cancelled or reset while the crop was being extracted.
		s.logDebug("crop discarded", "field", s.opts.Field)
		return nil, apperrors.New(apperrors.CategoryPipeline, "confirm_crop", apperrors.ErrNoCrop)
	}
	s.payload.Attach(s.opts.Field, res.DataURL)
	s.preview, s.crop = nil, nil
	s.logDebug("crop attached", "field", s.opts.Field, "width", res.Width(), "height", res.Height(),
		"bytes", len(res.Image.Data))
	return res, nil
}

// CancelCrop discards the crop session and the preview. The payload keeps
// whatever image it had before Pick, including when a ConfirmCrop is still
// running: its result is dropped and it returns ErrNoCrop.
func (s *Session) CancelCrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview, s.crop = nil, nil
}

// Cropping reports whether a crop session is open.
func (s *Session) Cropping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crop != nil
}

// Busy reports whether an action is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Set assigns a plain field value.
func (s *Session) Set(field string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload.Set(field, v)
}

// Payload returns a copy of the outgoing payload.
func (s *Session) Payload() Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload.Clone()
}

// Reset drops all image state and starts over from an empty payload. A
// ConfirmCrop in flight is discarded as with CancelCrop.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = Payload{}
	s.preview, s.crop = nil, nil
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return apperrors.New(apperrors.CategoryPipeline, "pick", apperrors.ErrBusy)
	}
	s.busy = true
	return nil
}

func (s *Session) logDebug(msg string, fields ...interface{}) {
	if s.log != nil {
		s.log.Debug(msg, fields...)
	}
}

func (s *Session) logError(msg string, err error, fields ...interface{}) {
	if s.log != nil {
		s.log.Error(msg, append(fields, "error", err)...)
	}
}
