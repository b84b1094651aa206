package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/formimage/config"
	apperrors "github.com/Skryldev/formimage/errors"
	"github.com/Skryldev/formimage/utils"
)

// Processor is the central orchestrator.  It is safe for concurrent use.
type Processor struct {
	cfg      config.Config
	registry Registry
	hooks    []Hook
	logger   Logger
	metrics  MetricsCollector
	tracer   trace.Tracer

	// Worker pool.
	jobQueue chan Job
	wg       sync.WaitGroup
	start    sync.Once
	stop     sync.Once
	shutdown chan struct{}
	submitMu sync.RWMutex
	stopped  bool

	processedCount int64
	errorCount     int64
}

// New creates a Processor with the given config.  Call Start() before
// submitting jobs; call Stop() when done.
func New(cfg config.Config, reg Registry) *Processor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Processor{
		cfg:      cfg,
		registry: reg,
		jobQueue: make(chan Job, queueSize),
		shutdown: make(chan struct{}),
	}
}

// SetLogger attaches a structured logger.
func (p *Processor) SetLogger(l Logger) { p.logger = l }

// SetMetrics attaches a metrics collector.
func (p *Processor) SetMetrics(m MetricsCollector) { p.metrics = m }

// SetTracer enables one span per run plus one child span per step.
func (p *Processor) SetTracer(t trace.Tracer) { p.tracer = t }

// AddHook registers a pipeline hook.
func (p *Processor) AddHook(h Hook) { p.hooks = append(p.hooks, h) }

// Registry returns the underlying registry so callers can register
// encoders/decoders after construction.
func (p *Processor) Registry() Registry { return p.registry }

// Config returns the configuration the processor was built with.
func (p *Processor) Config() config.Config { return p.cfg }

// Start launches the worker pool.  It is idempotent.
func (p *Processor) Start() {
	p.start.Do(func() {
		workerCount := p.cfg.WorkerCount
		if workerCount <= 0 {
			workerCount = runtime.NumCPU()
		}
		for i := 0; i < workerCount; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.logf("worker pool started", "workers", workerCount)
	})
}

// Stop shuts down all workers and rejects further Submit calls. Jobs still
// queued are not run; their result channels receive ErrStopped. It is
// idempotent.
func (p *Processor) Stop() {
	p.stop.Do(func() {
		p.submitMu.Lock()
		p.stopped = true
		p.submitMu.Unlock()
		close(p.shutdown)
	})
	p.wg.Wait()
	for {
		select {
		case job := <-p.jobQueue:
			if job.ResultCh != nil {
				err := apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrStopped)
				go func(ch chan<- JobResult, id string) {
					ch <- JobResult{JobID: id, Err: err}
				}(job.ResultCh, job.ID)
			}
		default:
			return
		}
	}
}

// Admit reads src into memory, enforcing the upload ceiling and detecting the
// format. Nothing is decoded; on failure no hook runs and no counter moves.
func (p *Processor) Admit(ctx context.Context, src Source) (*ImageData, error) {
	const op = "admit"
	if src.Reader == nil {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	max := p.cfg.MaxUploadBytes
	if max > 0 && src.Size > max {
		return nil, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: %d bytes > %d", apperrors.ErrFileTooLarge, src.Size, max))
	}

	buf, err := utils.DrainReader(ctx, &utils.LimitedReader{R: src.Reader, Max: max}, p.cfg.ChunkSize)
	if err != nil {
		if errors.Is(err, utils.ErrLimitExceeded) {
			return nil, apperrors.New(apperrors.CategoryInput, op,
				fmt.Errorf("%w: more than %d bytes", apperrors.ErrFileTooLarge, max))
		}
		return nil, apperrors.Wrap(apperrors.CategoryInput, op, err)
	}
	raw := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}

	// Sniffed content wins; the declared type only fills in when sniffing fails.
	format := Format(utils.DetectFormat(raw))
	if format == FormatUnknown {
		format = FormatFromMediaType(src.ContentType)
	}
	if format == FormatUnknown {
		detected := utils.DetectMediaType(raw)
		if src.ContentType != "" {
			detected += " (declared " + src.ContentType + ")"
		}
		return nil, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, detected))
	}

	return &ImageData{
		Data:         raw,
		Format:       format,
		Meta:         Metadata{Format: format, SizeBytes: int64(len(raw))},
		OriginalSize: int64(len(raw)),
	}, nil
}

// Process is the primary synchronous API.  It reads from src, runs steps, and
// returns a ProcessingResult.
func (p *Processor) Process(ctx context.Context, src Source, steps ...Step) (*ProcessingResult, error) {
	if len(steps) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "process", apperrors.ErrEmptyInput)
	}
	img, err := p.Admit(ctx, src)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, img, steps...)
}

// Run executes steps sequentially on an image already in memory, such as the
// resized preview a crop is taken from.
func (p *Processor) Run(ctx context.Context, img *ImageData, steps ...Step) (*ProcessingResult, error) {
	if img == nil || len(steps) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "run", apperrors.ErrEmptyInput)
	}

	start := time.Now()
	ctx, span := p.startSpan(ctx, "formimage.run", attribute.Int("steps", len(steps)))
	defer span.end()

	timings := make(map[string]time.Duration, len(steps))
	current := img
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			atomic.AddInt64(&p.errorCount, 1)
			err = apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), err)
			span.fail(err)
			return nil, err
		}
		next, elapsed, err := p.runStep(ctx, step, current)
		timings[step.Name()] += elapsed
		if err != nil {
			atomic.AddInt64(&p.errorCount, 1)
			p.errorf("pipeline step failed", "step", step.Name(), "error", err)
			span.fail(err)
			return nil, err
		}
		current = next
	}

	atomic.AddInt64(&p.processedCount, 1)
	if p.metrics != nil && current.Meta.SizeBytes > 0 {
		p.metrics.RecordThroughput(current.Meta.SizeBytes)
	}

	return &ProcessingResult{
		Primary:        current,
		ProcessingTime: time.Since(start),
		StepTimings:    timings,
	}, nil
}

func (p *Processor) runStep(ctx context.Context, step Step, img *ImageData) (*ImageData, time.Duration, error) {
	ctx, span := p.startSpan(ctx, "formimage.step."+step.Name())
	defer span.end()

	p.notifyBefore(ctx, step.Name(), img)
	t := time.Now()
	next, err := step.Execute(ctx, img)
	elapsed := time.Since(t)
	if err == nil && next == nil {
		err = apperrors.New(apperrors.CategoryPipeline, step.Name(), apperrors.ErrEmptyResult)
	}
	p.notifyAfter(ctx, step.Name(), next, elapsed, err)
	if err != nil {
		span.fail(err)
	}
	return next, elapsed, err
}

// Submit enqueues an async job.  Returns ErrWorkerPoolFull if the queue is
// full and ErrStopped after Stop. A job without an ID gets a random UUID; the
// (possibly generated) ID is returned.
func (p *Processor) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.stopped {
		return "", apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrStopped)
	}
	select {
	case p.jobQueue <- job:
		return job.ID, nil
	default:
		return "", apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrWorkerPoolFull)
	}
}

// Batch processes multiple sources concurrently (fan-out / fan-in).
func (p *Processor) Batch(ctx context.Context, sources []Source, steps ...Step) ([]*ProcessingResult, []error) {
	results := make([]*ProcessingResult, len(sources))
	errs := make([]error, len(sources))
	var wg sync.WaitGroup

	for i, src := range sources {
		wg.Add(1)
		go func(idx int, s Source) {
			defer wg.Done()
			results[idx], errs[idx] = p.Process(ctx, s, steps...)
		}(i, src)
	}
	wg.Wait()
	return results, errs
}

// ProcessVariants runs base steps and then each VariantDefinition against a
// copy of the base result in parallel.
func (p *Processor) ProcessVariants(ctx context.Context, src Source, baseSteps []Step, variants []VariantDefinition) (*ProcessingResult, error) {
	base, err := p.Process(ctx, src, baseSteps...)
	if err != nil {
		return nil, err
	}

	variantResults := make(map[string]*ImageData, len(variants))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range variants {
		vd := v
		g.Go(func() error {
			clone := *base.Primary
			res, err := p.Run(gctx, &clone, vd.Steps...)
			if err != nil {
				return fmt.Errorf("variant %s: %w", vd.Name, err)
			}
			mu.Lock()
			variantResults[vd.Name] = res.Primary
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	base.Variants = variantResults
	return base, nil
}

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case job := <-p.jobQueue:
			p.processJob(job)
		}
	}
}

func (p *Processor) processJob(job Job) {
	ctx := job.Ctx
	if timeout := p.cfg.JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := p.Process(ctx, job.Source, job.Steps...)
	if err != nil {
		p.errorf("job failed", "job_id", job.ID, "error", err)
	}
	if job.ResultCh != nil {
		job.ResultCh <- JobResult{JobID: job.ID, Result: result, Err: err}
	}
}

func (p *Processor) notifyBefore(ctx context.Context, name string, img *ImageData) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, img)
	}
}

func (p *Processor) notifyAfter(ctx context.Context, name string, img *ImageData, d time.Duration, err error) {
	for _, h := range p.hooks {
		h.AfterStep(ctx, name, img, d, err)
	}
}

func (p *Processor) logf(msg string, fields ...interface{}) {
	if p.logger != nil {
		p.logger.Info(msg, fields...)
	}
}

func (p *Processor) errorf(msg string, fields ...interface{}) {
	if p.logger != nil {
		p.logger.Error(msg, fields...)
	}
}

// ProcessedCount returns the total number of successfully processed images.
func (p *Processor) ProcessedCount() int64 { return atomic.LoadInt64(&p.processedCount) }

// ErrorCount returns the total number of processing errors.
func (p *Processor) ErrorCount() int64 { return atomic.LoadInt64(&p.errorCount) }

// ── tracing ───────────────────────────────────────────────────────────────────

// spanHandle is a nil-safe wrapper so untraced processors pay nothing.
type spanHandle struct{ span trace.Span }

func (p *Processor) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, spanHandle) {
	if p.tracer == nil {
		return ctx, spanHandle{}
	}
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, spanHandle{span: span}
}

func (s spanHandle) fail(err error) {
	if s.span == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	if cat := apperrors.CategoryOf(err); cat != "" {
		s.span.SetAttributes(attribute.String("error.category", string(cat)))
	}
}

func (s spanHandle) end() {
	if s.span != nil {
		s.span.End()
	}
}
