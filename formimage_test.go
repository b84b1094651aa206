package formimage_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Skryldev/formimage"
	"github.com/Skryldev/formimage/config"
	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
	"github.com/Skryldev/formimage/hooks"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i+0] = uint8(x * 255 / w)
			img.Pix[i+1] = uint8(y * 255 / h)
			img.Pix[i+2] = uint8((x + y) % 256)
			img.Pix[i+3] = 255
		}
	}
	return img
}

func newJPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 92}); err != nil {
		tb.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newPNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 50, G: 50, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newProc(t *testing.T) *formimage.Processor {
	t.Helper()
	cfg := formimage.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueueSize = 16
	p := formimage.New(cfg)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func jpegSource(raw []byte) core.Source {
	return formimage.FromReaderWithMeta(bytes.NewReader(raw), int64(len(raw)), "image/jpeg", "photo.jpg")
}

func decodedSize(t *testing.T, dataURL string) (int, int) {
	t.Helper()
	src, err := formimage.FromDataURL(dataURL)
	if err != nil {
		t.Fatalf("FromDataURL: %v", err)
	}
	cfg, _, err := image.DecodeConfig(src.Reader)
	if err != nil {
		t.Fatalf("decode data URL: %v", err)
	}
	return cfg.Width, cfg.Height
}

var (
	resizeBounds = formimage.Bounds(config.Default().ResizeBounds)
	cropBounds   = formimage.Bounds(config.Default().CropBounds)
)

// ── Resize stage ──────────────────────────────────────────────────────────────

func TestResize_FitsBounds(t *testing.T) {
	proc := newProc(t)
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{4000, 3000, 1440, 1080},
		{3000, 4000, 810, 1080},
		{5000, 1000, 1920, 384},
		{1920, 1080, 1920, 1080},
		{800, 600, 800, 600},
		{100, 50, 100, 50},
	}
	for _, tc := range tests {
		res, err := proc.Resize(context.Background(), jpegSource(newJPEG(t, tc.w, tc.h)), resizeBounds)
		if err != nil {
			t.Fatalf("Resize %dx%d: %v", tc.w, tc.h, err)
		}
		if res.Width() != tc.wantW || res.Height() != tc.wantH {
			t.Errorf("Resize %dx%d = %dx%d, want %dx%d", tc.w, tc.h, res.Width(), res.Height(), tc.wantW, tc.wantH)
		}
		if res.Width() > resizeBounds.MaxWidth || res.Height() > resizeBounds.MaxHeight {
			t.Errorf("Resize %dx%d exceeds bounds", tc.w, tc.h)
		}
		if gw, gh := decodedSize(t, res.DataURL); gw != res.Width() || gh != res.Height() {
			t.Errorf("data URL holds %dx%d, result says %dx%d", gw, gh, res.Width(), res.Height())
		}
		if !strings.HasPrefix(res.DataURL, "data:image/jpeg;base64,") {
			t.Errorf("data URL prefix: %.30s", res.DataURL)
		}
	}
}

func TestResize_PNGInputBecomesJPEG(t *testing.T) {
	proc := newProc(t)
	raw := newPNG(t, 100, 100)

	res, err := proc.Resize(context.Background(),
		formimage.FromReaderWithMeta(bytes.NewReader(raw), int64(len(raw)), "image/png", "logo.png"), resizeBounds)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if res.Image.Format != core.FormatJPEG {
		t.Errorf("format: got %s, want jpeg", res.Image.Format)
	}
}

func TestResize_SniffedFormatWins(t *testing.T) {
	proc := newProc(t)
	raw := newPNG(t, 40, 40)

	// Declared as JPEG, actually PNG.
	res, err := proc.Resize(context.Background(), jpegSource(raw), resizeBounds)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if res.Width() != 40 {
		t.Errorf("width: got %d, want 40", res.Width())
	}
}

// failingReader fails the test if anything reads it.
type failingReader struct{ t *testing.T }

func (r failingReader) Read([]byte) (int, error) {
	r.t.Error("oversized upload was read")
	return 0, io.EOF
}

// countingHook counts BeforeStep calls.
type countingHook struct{ n int64 }

func (h *countingHook) BeforeStep(context.Context, string, *core.ImageData) { atomic.AddInt64(&h.n, 1) }
func (h *countingHook) AfterStep(context.Context, string, *core.ImageData, time.Duration, error) {
}

func TestResize_OversizedRejectedBeforeDecode(t *testing.T) {
	proc := newProc(t)
	hook := &countingHook{}
	proc.AddHook(hook)

	src := formimage.FromReaderWithMeta(failingReader{t}, 11<<20, "image/jpeg", "huge.jpg")
	res, err := proc.Resize(context.Background(), src, resizeBounds)
	if res != nil {
		t.Error("expected no result")
	}
	if !errors.Is(err, apperrors.ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if !apperrors.IsCategory(err, apperrors.CategoryInput) {
		t.Errorf("category: got %s, want input", apperrors.CategoryOf(err))
	}
	if n := atomic.LoadInt64(&hook.n); n != 0 {
		t.Errorf("%d steps ran", n)
	}
	if processed, failed := proc.Stats(); processed != 0 || failed != 0 {
		t.Errorf("stats moved: processed=%d errors=%d", processed, failed)
	}
}

func TestResize_UndeclaredOversizeStreamRejected(t *testing.T) {
	proc := newProc(t)
	big := bytes.Repeat([]byte{0xff}, 11<<20)

	_, err := proc.Resize(context.Background(), formimage.FromReader(bytes.NewReader(big)), resizeBounds)
	if !errors.Is(err, apperrors.ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestResize_RejectsNonImage(t *testing.T) {
	proc := newProc(t)
	tests := []struct {
		name string
		src  core.Source
	}{
		{"declared pdf", formimage.FromReaderWithMeta(strings.NewReader("%PDF-1.4"), 8, "application/pdf", "a.pdf")},
		{"text body", formimage.FromReader(strings.NewReader("hello, world"))},
	}
	for _, tc := range tests {
		_, err := proc.Resize(context.Background(), tc.src, resizeBounds)
		if !errors.Is(err, apperrors.ErrUnsupportedFormat) {
			t.Errorf("%s: err = %v, want ErrUnsupportedFormat", tc.name, err)
		}
	}
}

func TestResize_SniffedTypeOverridesDeclared(t *testing.T) {
	proc := newProc(t)
	raw := newJPEG(t, 200, 100)
	for _, declared := range []string{"", "application/octet-stream", "text/plain; charset=utf-8", "image/png"} {
		src := formimage.FromReaderWithMeta(bytes.NewReader(raw), int64(len(raw)), declared, "upload.bin")
		res, err := proc.Resize(context.Background(), src, resizeBounds)
		if err != nil {
			t.Errorf("declared %q: %v", declared, err)
			continue
		}
		if res.Width() != 200 || res.Height() != 100 {
			t.Errorf("declared %q: got %dx%d, want 200x100", declared, res.Width(), res.Height())
		}
	}
}

func TestResize_CorruptImage(t *testing.T) {
	proc := newProc(t)
	raw := newJPEG(t, 64, 64)[:200]

	_, err := proc.Resize(context.Background(), jpegSource(raw), resizeBounds)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryDecode) {
		t.Errorf("category: got %s, want decode", apperrors.CategoryOf(err))
	}
}

func TestResize_EmptyInput(t *testing.T) {
	proc := newProc(t)
	_, err := proc.Resize(context.Background(), formimage.FromReader(bytes.NewReader(nil)), resizeBounds)
	if !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

// ── Extract + compress stage ──────────────────────────────────────────────────

func resized(t *testing.T, proc *formimage.Processor, w, h int) *formimage.Result {
	t.Helper()
	res, err := proc.Resize(context.Background(), jpegSource(newJPEG(t, w, h)), resizeBounds)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	return res
}

func TestExtract_RespectsCeiling(t *testing.T) {
	proc := newProc(t)
	preview := resized(t, proc, 1440, 1080)

	tests := []struct {
		region       core.Region
		wantW, wantH int
	}{
		{core.Region{X: 220, Y: 259, Width: 1000, Height: 563}, 799, 450},
		{core.Region{X: 0, Y: 0, Width: 1440, Height: 810}, 800, 450},
		{core.Region{X: 100, Y: 100, Width: 400, Height: 225}, 400, 225},
	}
	for _, tc := range tests {
		res, err := proc.Extract(context.Background(), preview.Image, tc.region, cropBounds)
		if err != nil {
			t.Fatalf("Extract %v: %v", tc.region, err)
		}
		if res.Width() != tc.wantW || res.Height() != tc.wantH {
			t.Errorf("Extract %v = %dx%d, want %dx%d", tc.region, res.Width(), res.Height(), tc.wantW, tc.wantH)
		}
	}
	if preview.Width() != 1440 || preview.Height() != 1080 {
		t.Error("extract modified the preview")
	}
}

func TestExtract_InvalidRegion(t *testing.T) {
	proc := newProc(t)
	preview := resized(t, proc, 400, 300)

	for _, r := range []core.Region{
		{X: 300, Y: 0, Width: 200, Height: 100},
		{X: -1, Y: 0, Width: 10, Height: 10},
		{X: 0, Y: 0, Width: 0, Height: 10},
	} {
		_, err := proc.Extract(context.Background(), preview.Image, r, cropBounds)
		if !errors.Is(err, apperrors.ErrInvalidRegion) {
			t.Errorf("Extract %v: err = %v, want ErrInvalidRegion", r, err)
		}
	}
}

func TestExtract_NoBitmap(t *testing.T) {
	proc := newProc(t)
	img := &core.ImageData{Data: newJPEG(t, 10, 10), Format: core.FormatJPEG}

	_, err := proc.Extract(context.Background(), img, core.Region{Width: 5, Height: 5}, cropBounds)
	if !errors.Is(err, apperrors.ErrNoBitmap) {
		t.Fatalf("err = %v, want ErrNoBitmap", err)
	}
}

func TestCompress_NeverGrows(t *testing.T) {
	proc := newProc(t)
	preview := resized(t, proc, 1440, 1080)
	cropped, err := proc.Extract(context.Background(), preview.Image,
		core.Region{X: 220, Y: 259, Width: 1000, Height: 563}, cropBounds)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, q := range []float64{0.6, 0.3, 0.95, 1} {
		res, err := proc.Compress(context.Background(), cropped.Image, q)
		if err != nil {
			t.Fatalf("Compress(%v): %v", q, err)
		}
		if len(res.Image.Data) > len(cropped.Image.Data) {
			t.Errorf("Compress(%v) grew output: %d > %d", q, len(res.Image.Data), len(cropped.Image.Data))
		}
		if len(res.DataURL) > len(cropped.DataURL) {
			t.Errorf("Compress(%v) grew data URL", q)
		}
	}
}

func TestCompress_AdaptiveTarget(t *testing.T) {
	plain := newProc(t)
	preview := resized(t, plain, 1440, 1080)
	cropped, err := plain.Extract(context.Background(), preview.Image,
		core.Region{X: 220, Y: 259, Width: 1000, Height: 563}, cropBounds)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	base, err := plain.Compress(context.Background(), cropped.Image, 0.6)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	tests := []struct {
		name   string
		target int64
		same   bool
	}{
		{"target already met", int64(len(base.Image.Data)) * 2, true},
		{"tight target", 1, false},
	}
	for _, tc := range tests {
		cfg := formimage.DefaultConfig()
		cfg.AdaptiveCompression = config.AdaptiveConfig{
			Enabled:         true,
			TargetSizeBytes: tc.target,
			MinQuality:      10,
			MaxQuality:      60,
			StepSize:        10,
		}
		proc := formimage.New(cfg)
		res, err := proc.Compress(context.Background(), cropped.Image, 0.6)
		if err != nil {
			t.Fatalf("%s: Compress: %v", tc.name, err)
		}
		got, want := len(res.Image.Data), len(base.Image.Data)
		if tc.same && got != want {
			t.Errorf("%s: size %d, want unchanged %d", tc.name, got, want)
		}
		if !tc.same && got >= want {
			t.Errorf("%s: size %d, want below second pass %d", tc.name, got, want)
		}
		if _, ok := res.Timings["adaptive_compress"]; !ok {
			t.Errorf("%s: adaptive step did not run", tc.name)
		}
	}
}

// emptyEncoder always encodes to nothing.
type emptyEncoder struct{}

func (emptyEncoder) CanEncode(core.Format) bool { return true }
func (emptyEncoder) Encode(context.Context, *core.ImageData, core.EncodeOptions) ([]byte, error) {
	return nil, nil
}

func TestEncode_EmptyResultIsError(t *testing.T) {
	proc := newProc(t)
	proc.RegisterEncoder(core.FormatJPEG, emptyEncoder{})

	res, err := proc.Resize(context.Background(), jpegSource(newJPEG(t, 50, 50)), resizeBounds)
	if res != nil {
		t.Error("expected no result")
	}
	if !errors.Is(err, apperrors.ErrEmptyResult) {
		t.Fatalf("err = %v, want ErrEmptyResult", err)
	}
	if !apperrors.IsCategory(err, apperrors.CategoryEncode) {
		t.Errorf("category: got %s, want encode", apperrors.CategoryOf(err))
	}
}

// ── End to end ────────────────────────────────────────────────────────────────

func TestEndToEnd_ResizeCropCompress(t *testing.T) {
	proc := newProc(t)
	raw := newJPEG(t, 4000, 3000)

	preview, err := proc.Resize(context.Background(), jpegSource(raw), resizeBounds)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if preview.Width() != 1440 || preview.Height() != 1080 {
		t.Fatalf("preview %dx%d, want 1440x1080", preview.Width(), preview.Height())
	}

	region := core.Region{X: 220, Y: 259, Width: 1000, Height: 563}
	cropped, err := proc.Extract(context.Background(), preview.Image, region, cropBounds)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	final, err := proc.Compress(context.Background(), cropped.Image, 0.6)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	w, h := decodedSize(t, final.DataURL)
	if w > 800 || h > 450 {
		t.Errorf("final image %dx%d exceeds 800x450", w, h)
	}
	if len(final.DataURL) >= len(raw) {
		t.Errorf("data URL (%d bytes) not smaller than the original (%d bytes)", len(final.DataURL), len(raw))
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	proc := newProc(t)
	first := resized(t, proc, 2000, 1000)

	src, err := formimage.FromDataURL(first.DataURL)
	if err != nil {
		t.Fatalf("FromDataURL: %v", err)
	}
	again, err := proc.Resize(context.Background(), src, core.Bounds{MaxWidth: 960, MaxHeight: 960, Quality: 0.8})
	if err != nil {
		t.Fatalf("Resize from data URL: %v", err)
	}
	if again.Width() != 960 || again.Height() != 480 {
		t.Errorf("got %dx%d, want 960x480", again.Width(), again.Height())
	}
}

// ── Generic pipeline ──────────────────────────────────────────────────────────

func TestProcess_FormatConversion_JPEG_to_PNG(t *testing.T) {
	proc := newProc(t)
	reg := proc.Registry()

	result, err := proc.Process(context.Background(),
		jpegSource(newJPEG(t, 200, 200)),
		formimage.DecodeWith(reg),
		formimage.ConvertFormat(formimage.PNG),
		formimage.EncodeWith(reg, core.EncodeOptions{}),
	)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Primary.Format != core.FormatPNG {
		t.Errorf("output format: got %s, want png", result.Primary.Format)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(result.Primary.Data)); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
}

func TestProcess_WebP(t *testing.T) {
	proc := newProc(t)
	reg := proc.Registry()

	webp, err := proc.Process(context.Background(),
		jpegSource(newJPEG(t, 120, 80)),
		formimage.DecodeWith(reg),
		formimage.ConvertFormat(formimage.WebP),
		formimage.Quality(0.75),
		formimage.EncodeWith(reg, core.EncodeOptions{}),
	)
	if err != nil {
		t.Fatalf("encode webp: %v", err)
	}

	back, err := proc.Process(context.Background(),
		formimage.FromReader(bytes.NewReader(webp.Primary.Data)),
		formimage.DecodeWith(reg),
	)
	if err != nil {
		t.Fatalf("decode webp: %v", err)
	}
	if back.Primary.Format != core.FormatWebP || back.Primary.Meta.Width != 120 {
		t.Errorf("got %s %dx%d", back.Primary.Format, back.Primary.Meta.Width, back.Primary.Meta.Height)
	}
}

func TestProcess_AdaptiveCompress(t *testing.T) {
	proc := newProc(t)
	reg := proc.Registry()
	raw := newJPEG(t, 640, 480)

	result, err := proc.Process(context.Background(),
		jpegSource(raw),
		formimage.DecodeWith(reg),
		formimage.AdaptiveCompress(reg, int64(len(raw)/4), 10, 95, 5),
	)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(result.Primary.Data); got > len(raw) {
		t.Errorf("adaptive compression grew output: %d > %d", got, len(raw))
	}
}

func TestProcess_ContextCancel(t *testing.T) {
	proc := newProc(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := proc.Process(ctx, jpegSource(newJPEG(t, 100, 100)), formimage.DecodeWith(proc.Registry()))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProcess_ConcurrentSafety(t *testing.T) {
	proc := newProc(t)
	raw := newJPEG(t, 200, 200)

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = proc.Resize(context.Background(), jpegSource(raw),
				core.Bounds{MaxWidth: 100, MaxHeight: 100, Quality: 0.8})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
}

func TestBatch(t *testing.T) {
	proc := newProc(t)
	raw := newJPEG(t, 100, 100)

	sources := make([]core.Source, 5)
	for i := range sources {
		sources[i] = jpegSource(raw)
	}
	sources[4] = formimage.FromReader(strings.NewReader("not an image"))

	results, errs := proc.Batch(context.Background(), sources,
		formimage.DecodeWith(proc.Registry()),
		formimage.Fit(50, 50),
	)

	for i := 0; i < 4; i++ {
		if errs[i] != nil {
			t.Errorf("batch[%d]: %v", i, errs[i])
		}
		if results[i] == nil || results[i].Primary.Meta.Width != 50 {
			t.Errorf("batch[%d]: bad result", i)
		}
	}
	if errs[4] == nil {
		t.Error("batch[4]: expected an error")
	}
}

func TestProcessVariants(t *testing.T) {
	proc := newProc(t)
	reg := proc.Registry()

	res, err := proc.ProcessVariants(context.Background(),
		jpegSource(newJPEG(t, 1600, 900)),
		[]core.Step{formimage.DecodeWith(reg)},
		[]core.VariantDefinition{
			{Name: "card", Steps: []core.Step{formimage.Fit(800, 450), formimage.EncodeWith(reg, core.EncodeOptions{})}},
			{Name: "thumb", Steps: []core.Step{formimage.Fit(160, 90), formimage.EncodeWith(reg, core.EncodeOptions{})}},
		},
	)
	if err != nil {
		t.Fatalf("ProcessVariants: %v", err)
	}
	if res.Variants["card"].Meta.Width != 800 || res.Variants["thumb"].Meta.Width != 160 {
		t.Errorf("variant widths: card=%d thumb=%d", res.Variants["card"].Meta.Width, res.Variants["thumb"].Meta.Width)
	}
	if res.Primary.Meta.Width != 1600 {
		t.Error("variants modified the base image")
	}
}

// ── Async worker pool test ────────────────────────────────────────────────────

func TestWorkerPool_Async(t *testing.T) {
	proc := newProc(t)

	resultCh := make(chan core.JobResult, 1)
	id, err := proc.Submit(core.Job{
		Source: jpegSource(newJPEG(t, 100, 100)),
		Steps: []core.Step{
			formimage.DecodeWith(proc.Registry()),
			formimage.Fit(50, 0),
		},
		ResultCh: resultCh,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Error("Submit returned an empty job ID")
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("async job error: %v", res.Err)
		}
		if res.JobID != id {
			t.Errorf("job ID: got %q, want %q", res.JobID, id)
		}
		if res.Result.Primary.Meta.Width != 50 {
			t.Errorf("async width: got %d, want 50", res.Result.Primary.Meta.Width)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async job timed out")
	}
}

func TestWorkerPool_Stopped(t *testing.T) {
	proc := formimage.New(formimage.DefaultConfig())

	// Queued before any worker runs, then abandoned by Stop.
	queued := make(chan core.JobResult)
	if _, err := proc.Submit(core.Job{Source: jpegSource(newJPEG(t, 10, 10)), ResultCh: queued}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	proc.Stop()

	select {
	case res := <-queued:
		if !errors.Is(res.Err, apperrors.ErrStopped) {
			t.Errorf("queued job: err = %v, want ErrStopped", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued job never answered after Stop")
	}

	_, err := proc.Submit(core.Job{Source: jpegSource(newJPEG(t, 10, 10)), ResultCh: make(chan core.JobResult, 1)})
	if !errors.Is(err, apperrors.ErrStopped) {
		t.Errorf("Submit after Stop: err = %v, want ErrStopped", err)
	}
}

// ── Hooks, metrics and tracing ───────────────────────────────────────────────

func TestMetricsHook(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	proc := newProc(t)
	proc.AddHook(hooks.NewMetricsHook(m))
	proc.SetMetrics(m)

	if _, err := proc.Resize(context.Background(), jpegSource(newJPEG(t, 100, 100)), resizeBounds); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	proc.RegisterEncoder(core.FormatJPEG, emptyEncoder{})
	_, _ = proc.Resize(context.Background(), jpegSource(newJPEG(t, 100, 100)), resizeBounds)

	snap := m.Snapshot()
	if snap.StepCalls["fit"] != 2 {
		t.Errorf("fit calls: got %d, want 2", snap.StepCalls["fit"])
	}
	if snap.StepErrors["encode"]["encode"] != 1 {
		t.Errorf("encode errors: got %v", snap.StepErrors["encode"])
	}
	if snap.TotalThroughputB == 0 {
		t.Error("throughput not recorded")
	}
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	proc := newProc(t)
	proc.SetTracer(tp.Tracer("formimage-test"))

	if _, err := proc.Resize(context.Background(), jpegSource(newJPEG(t, 64, 64)), resizeBounds); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	names := map[string]bool{}
	var run sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		names[s.Name()] = true
		if s.Name() == "formimage.run" {
			run = s
		}
	}
	for _, want := range []string{"formimage.run", "formimage.step.decode", "formimage.step.fit", "formimage.step.encode"} {
		if !names[want] {
			t.Errorf("missing span %q", want)
		}
	}
	if run == nil {
		t.Fatal("no run span recorded")
	}
	for _, s := range sr.Ended() {
		if s.Name() != "formimage.run" && s.Parent().SpanID() != run.SpanContext().SpanID() {
			t.Errorf("span %s is not a child of the run span", s.Name())
		}
	}
}

// ── Custom step test ──────────────────────────────────────────────────────────

// brightenStep is a custom pipeline step for testing extensibility.
type brightenStep struct{ delta uint8 }

func (b *brightenStep) Name() string { return "brighten" }
func (b *brightenStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, ok := img.Bitmap()
	if !ok {
		return img, nil
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, bv, a := src.At(x, y).RGBA()
			dst.SetRGBA(x, y, color.RGBA{
				R: clampAdd(uint8(r>>8), b.delta),
				G: clampAdd(uint8(g>>8), b.delta),
				B: clampAdd(uint8(bv>>8), b.delta),
				A: uint8(a >> 8),
			})
		}
	}
	out := *img
	out.Image = dst
	out.Data = nil
	return &out, nil
}

func clampAdd(a, b uint8) uint8 {
	if int(a)+int(b) > 255 {
		return 255
	}
	return a + b
}

func TestCustomStep(t *testing.T) {
	proc := newProc(t)
	reg := proc.Registry()

	pl := proc.NewPipeline(formimage.DecodeWith(reg), &brightenStep{delta: 10}, formimage.EncodeWith(reg, core.EncodeOptions{Quality: 80}))
	if got := strings.Join(pl.Steps(), ","); got != "decode,brighten,encode" {
		t.Errorf("steps: %s", got)
	}

	img, err := proc.Inner().Admit(context.Background(), jpegSource(newJPEG(t, 50, 50)))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	out, timings, err := pl.Run(context.Background(), img)
	if err != nil {
		t.Fatalf("pipeline with custom step: %v", err)
	}
	if len(out.Data) == 0 {
		t.Error("encoded data is empty")
	}
	if _, ok := timings["brighten"]; !ok {
		t.Error("no timing recorded for the custom step")
	}
}

// ── Config validation test ────────────────────────────────────────────────────

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"quality zero", func(c *config.Config) { c.DefaultQuality = 0 }},
		{"bad format", func(c *config.Config) { c.OutputFormat = "gif" }},
		{"bounds quality", func(c *config.Config) { c.CropBounds.Quality = 1.5 }},
		{"aspect", func(c *config.Config) { c.CropAspectRatio = 0 }},
		{"negative ceiling", func(c *config.Config) { c.MaxUploadBytes = -1 }},
	}
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range tests {
		cfg := config.Default()
		tc.mutate(&cfg)
		if err := config.Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkResize_4000x3000(b *testing.B) {
	proc := formimage.New(formimage.DefaultConfig())
	raw := newJPEG(b, 4000, 3000)

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := proc.Resize(context.Background(), jpegSource(raw), resizeBounds); err != nil {
			b.Fatalf("Resize: %v", err)
		}
	}
}

func BenchmarkExtractCompress(b *testing.B) {
	proc := formimage.New(formimage.DefaultConfig())
	raw := newJPEG(b, 1440, 1080)
	preview, err := proc.Resize(context.Background(), jpegSource(raw), resizeBounds)
	if err != nil {
		b.Fatal(err)
	}
	region := core.Region{X: 220, Y: 259, Width: 1000, Height: 563}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := proc.Extract(context.Background(), preview.Image, region, cropBounds)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := proc.Compress(context.Background(), res.Image, 0.6); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBatch_Parallel(b *testing.B) {
	proc := formimage.New(formimage.DefaultConfig())
	raw := newJPEG(b, 800, 600)
	reg := proc.Registry()

	const batchSize = 10
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sources := make([]core.Source, batchSize)
		for j := range sources {
			sources[j] = jpegSource(raw)
		}
		proc.Batch(context.Background(), sources, formimage.DecodeWith(reg), formimage.Fit(400, 0))
	}
}
