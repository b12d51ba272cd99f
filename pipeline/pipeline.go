// Package pipeline downloads listed reports with a bounded worker pool and
// stores them through a FileSink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-lrf-downloader/config"
	"github.com/aluiziolira/go-lrf-downloader/models"
	"github.com/aluiziolira/go-lrf-downloader/progress"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when in-flight downloads do not
	// finish within drainTimeout after cancellation.
	ErrPipelineCloseTimeout = errors.New("pipeline: timed out draining in-flight downloads")
)

var drainTimeout = 30 * time.Second

// Fetcher retrieves the raw bytes behind a listing download path.
type Fetcher interface {
	FetchBytes(ctx context.Context, path string) ([]byte, error)
}

// Saver persists one report and returns where it was written.
type Saver interface {
	Save(district string, year int, release, name string, content []byte) (string, error)
}

// Pipeline fans download jobs out to workers. The first failure stops it:
// later submissions return that error and queued jobs are dropped.
type Pipeline struct {
	ctx      context.Context
	fetcher  Fetcher
	saver    Saver
	reporter progress.Reporter
	jobCh    chan models.DownloadJob

	wg      sync.WaitGroup
	pending sync.WaitGroup // jobs enqueued but not yet downloaded or dropped

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline buffering up to cfg.PipelineBufferSize jobs.
func NewPipeline(ctx context.Context, fetcher Fetcher, saver Saver, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := cfg.PipelineBufferSize
	if buffer <= 0 {
		buffer = 1
	}
	return &Pipeline{
		ctx:      ctx,
		fetcher:  fetcher,
		saver:    saver,
		reporter: progress.Nop{},
		jobCh:    make(chan models.DownloadJob, buffer),
		shutdown: make(chan struct{}),
	}
}

// SetReporter replaces the progress reporter. Call it before Start.
func (p *Pipeline) SetReporter(reporter progress.Reporter) {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	p.reporter = reporter
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues jobs, blocking while the buffer is full. Once a download
// has failed it returns that error, even when called with no jobs.
func (p *Pipeline) Process(jobs ...models.DownloadJob) error {
	if err := p.Err(); err != nil {
		return err
	}
	for _, job := range jobs {
		closed, err := p.state()
		if err != nil {
			return err
		}
		if closed {
			return ErrPipelineClosed
		}
		if err := p.enqueue(job); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting jobs and waits for queued ones to finish. Once the
// context is cancelled it waits at most drainTimeout.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.jobCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-p.ctx.Done():
		select {
		case <-done:
		case <-time.After(drainTimeout):
			p.signalShutdown()
			return ErrPipelineCloseTimeout
		}
	}

	p.signalShutdown()
	return p.Err()
}

// Wait blocks until every job queued so far has been downloaded or dropped,
// then returns the first error. It returns early when the context ends.
func (p *Pipeline) Wait() error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("saved", metrics["saved_reports"].(int64)),
					slog.Int64("bytes", metrics["bytes_written"].(int64)),
					slog.Int("queued", len(p.jobCh)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for job := range p.jobCh {
		p.handle(job)
		p.pending.Done()
	}
}

func (p *Pipeline) handle(job models.DownloadJob) {
	if p.Err() != nil {
		p.metrics.addDropped()
		return
	}
	if err := p.download(job); err != nil {
		p.metrics.addFailed()
		p.reporter.RowFailed(job, err)
		p.setErr(fmt.Errorf("download %q (%s, %d): %w", job.Row.Name, job.City.Name, job.Year, err))
	}
}

func (p *Pipeline) download(job models.DownloadJob) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}

	content, err := p.fetcher.FetchBytes(p.ctx, job.Row.DownloadPath)
	if err != nil {
		return err
	}

	path, err := p.saver.Save(job.City.Name, job.Year, job.Row.Release, job.Row.Name, content)
	if err != nil {
		return err
	}

	p.metrics.addSaved(job.City.Name, len(content))
	p.reporter.RowSaved(job, path)
	slog.Debug("report saved",
		slog.String("city", job.City.Name),
		slog.Int("year", job.Year),
		slog.String("path", path),
		slog.Int("bytes", len(content)),
	)
	return nil
}

func (p *Pipeline) enqueue(job models.DownloadJob) (err error) {
	p.pending.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.pending.Done()
			err = ErrPipelineClosed
			if first := p.Err(); first != nil {
				err = first
			}
		}
	}()

	select {
	case <-p.shutdown:
		p.pending.Done()
		if first := p.Err(); first != nil {
			return first
		}
		return ErrPipelineClosed
	case <-p.ctx.Done():
		p.pending.Done()
		return p.ctx.Err()
	case p.jobCh <- job:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.jobCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu      sync.Mutex
	saved   int64
	bytes   int64
	failed  int64
	dropped int64
	byCity  map[string]int
}

func (m *metrics) addSaved(city string, size int) {
	m.mu.Lock()
	m.saved++
	m.bytes += int64(size)
	if m.byCity == nil {
		m.byCity = make(map[string]int)
	}
	m.byCity[city]++
	m.mu.Unlock()
}

func (m *metrics) addFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *metrics) addDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCity := make(map[string]int, len(m.byCity))
	for k, v := range m.byCity {
		byCity[k] = v
	}

	return map[string]interface{}{
		"saved_reports":  m.saved,
		"bytes_written":  m.bytes,
		"failed_reports": m.failed,
		"dropped_jobs":   m.dropped,
		"saved_by_city":  byCity,
	}
}
