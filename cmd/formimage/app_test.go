package main

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Skryldev/formimage"
	"github.com/Skryldev/formimage/dataurl"
)

func TestSetup_MetricsFile(t *testing.T) {
	dir := t.TempDir()
	g := &globalFlags{
		envFile:     filepath.Join(dir, "missing.env"),
		logLevel:    "error",
		backend:     "go",
		metricsFile: filepath.Join(dir, "formimage.prom"),
	}
	a, err := setup(g)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil); err != nil {
		t.Fatal(err)
	}
	src := formimage.FromReaderWithMeta(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg", "a.jpg")
	res, err := a.proc.Resize(context.Background(), src, formimage.Bounds(a.cfg.ResizeBounds))
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if dataurl.PayloadSize(res.DataURL) == 0 {
		t.Error("empty data URL payload")
	}
	a.stop()

	raw, err := os.ReadFile(g.metricsFile)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	for _, name := range []string{"formimage_step_duration_seconds", "formimage_output_bytes_total"} {
		if !strings.Contains(string(raw), name) {
			t.Errorf("metrics file lacks %s", name)
		}
	}
}

func TestSetup_UnknownBackend(t *testing.T) {
	g := &globalFlags{envFile: filepath.Join(t.TempDir(), "missing.env"), backend: "opencv"}
	if _, err := setup(g); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
