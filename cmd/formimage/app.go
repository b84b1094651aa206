package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/Skryldev/formimage"
	"github.com/Skryldev/formimage/adapters/vips"
	"github.com/Skryldev/formimage/config"
	"github.com/Skryldev/formimage/core"
	"github.com/Skryldev/formimage/hooks"
	"github.com/Skryldev/formimage/logger"
)

// app is the wiring every subcommand shares.
type app struct {
	cfg  config.Config
	log  *logger.Logger
	proc *formimage.Processor
	stop func()
}

func setup(g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.envFile)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	// stdout carries the result, so every log level goes to stderr
	log := logger.NewTo(logger.Parse(cfg.LogLevel), os.Stderr, os.Stderr)

	// Set GOMAXPROCS
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warnw("could not set GOMAXPROCS", "error", err)
	}

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "formimage@" + version,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry.Init: %w", err)
		}
	}

	proc := formimage.New(cfg)
	proc.SetLogger(log)
	proc.AddHook(hooks.NewLoggingHook(log))

	var cleanup []func()
	switch g.backend {
	case "", "go":
	case "vips":
		backend := vips.NewBackend(vips.BackendConfig{
			DefaultQuality: cfg.DefaultQuality,
			MaxWorkers:     cfg.WorkerCount,
		})
		backend.Register(proc.Registry())
		proc.SetGeometry(vips.Geometry{})
		cleanup = append(cleanup, backend.Shutdown)
	default:
		return nil, fmt.Errorf("unknown backend %q", g.backend)
	}

	if g.metricsFile != "" {
		reg := prometheus.NewRegistry()
		m, err := hooks.NewPrometheusMetrics(reg, "formimage")
		if err != nil {
			return nil, err
		}
		proc.SetMetrics(m)
		proc.AddHook(hooks.NewMetricsHook(m))
		path := g.metricsFile
		cleanup = append(cleanup, func() {
			if err := prometheus.WriteToTextfile(path, reg); err != nil {
				log.Warnw("could not write metrics", "path", path, "error", err)
			}
		})
	}

	a := &app{cfg: cfg, log: log, proc: proc}
	a.stop = func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = log.Sync()
	}
	return a, nil
}

// open returns a Source for path with the size and media type a file picker
// would report.
func open(path string) (core.Source, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Source{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return core.Source{}, nil, err
	}
	src := formimage.FromReaderWithMeta(f, info.Size(), mime.TypeByExtension(filepath.Ext(path)), filepath.Base(path))
	return src, func() { f.Close() }, nil
}

// write stores res at path: the data URL when asURL is set, the encoded
// bytes otherwise. An empty path prints the data URL to stdout.
func write(path string, res *formimage.Result, asURL bool) error {
	if path == "" {
		_, err := fmt.Println(res.DataURL)
		return err
	}
	if asURL {
		return os.WriteFile(path, []byte(res.DataURL), 0o644)
	}
	return os.WriteFile(path, res.Image.Data, 0o644)
}

func pick(ctx context.Context, a *app, path string) (*formimage.Result, error) {
	src, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return a.proc.Resize(ctx, src, formimage.Bounds(a.cfg.ResizeBounds))
}
