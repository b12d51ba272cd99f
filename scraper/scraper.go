// Package scraper walks the fiscal-responsibility portal: it bootstraps the
// session and city catalog, fetches one listing per (city, year) and feeds
// every listed report to the download pipeline.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-lrf-downloader/config"
	"github.com/aluiziolira/go-lrf-downloader/models"
	"github.com/aluiziolira/go-lrf-downloader/parser"
	"github.com/aluiziolira/go-lrf-downloader/pipeline"
	"github.com/aluiziolira/go-lrf-downloader/progress"
)

// Scraper owns the session and the city catalog for one run.
type Scraper struct {
	cfg      *config.Config
	session  *Session
	reporter progress.Reporter
	now      func() time.Time
	Metrics  *Metrics

	mu           sync.Mutex
	cities       []models.City
	bootstrapped bool
	errorCount   int
	errorsByType map[string]int
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	metrics := NewMetrics()
	session, err := NewSession(cfg, metrics)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		cfg:          cfg,
		session:      session,
		reporter:     progress.Nop{},
		now:          time.Now,
		Metrics:      metrics,
		errorsByType: make(map[string]int),
	}, nil
}

// Session returns the HTTP session; it also serves as the pipeline's Fetcher.
func (s *Scraper) Session() *Session {
	return s.session
}

// SetReporter replaces the progress reporter used by Run.
func (s *Scraper) SetReporter(reporter progress.Reporter) {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	s.reporter = reporter
}

// Bootstrap requests the landing page once and stores the city catalog.
// Later calls return the stored catalog without touching the network.
func (s *Scraper) Bootstrap(ctx context.Context) ([]models.City, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bootstrapped {
		return s.cities, nil
	}

	doc, err := s.session.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	cities, err := parser.ParseCities(doc)
	if err != nil {
		return nil, err
	}

	s.cities = cities
	s.bootstrapped = true
	slog.Info("city catalog loaded", slog.Int("cities", len(cities)))
	return cities, nil
}

// Cities returns the catalog loaded by Bootstrap, or nil before it ran.
func (s *Scraper) Cities() []models.City {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cities
}

// FetchListing submits the listing form for cityID and year and parses the
// report table of the response.
func (s *Scraper) FetchListing(ctx context.Context, cityID string, year int) ([]models.ReportRow, error) {
	doc, err := s.session.PostForm(ctx, cityID, year)
	if err != nil {
		return nil, err
	}
	rows, err := parser.ParseReportRows(doc)
	if err != nil {
		return nil, err
	}
	s.Metrics.IncListings()
	return rows, nil
}

// Run walks every city and every year from cfg.InitialYear to the current
// year, queueing each listed report on p. The current year is read once, when
// Run starts. The first error, including a failed download, stops the walk and
// is returned; reports already saved stay on disk. With Parallelism 1 each
// listing's downloads finish before the next listing is requested. The caller
// closes p.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	currentYear := start.Year()
	result := &models.RunResult{
		StartTime:     start,
		ErrorsByType:  map[string]int{},
		ReportsByCity: map[string]int{},
	}

	cities, err := s.Bootstrap(ctx)
	if err != nil {
		return s.finish(result, fmt.Errorf("bootstrap: %w", err))
	}
	result.Cities = len(cities)

	years := yearRange(s.cfg.InitialYear, currentYear)
	for i, city := range cities {
		s.reporter.CityStarted(city, i, len(cities))

		for _, year := range years {
			if err := ctx.Err(); err != nil {
				return s.finish(result, err)
			}
			if err := p.Err(); err != nil {
				return s.finish(result, err)
			}

			rows, err := s.FetchListing(ctx, city.ID, year)
			if err != nil {
				return s.finish(result, fmt.Errorf("listing %s (%s) %d: %w", city.Name, city.ID, year, err))
			}
			result.Listings++
			result.RowsDiscovered += len(rows)
			s.Metrics.AddReports(len(rows))
			s.reporter.YearStarted(city, year, len(rows))

			jobs := make([]models.DownloadJob, 0, len(rows))
			for _, row := range rows {
				jobs = append(jobs, models.DownloadJob{City: city, Year: year, Row: row})
			}
			if err := p.Process(jobs...); err != nil {
				return s.finish(result, err)
			}
			if s.cfg.Parallelism <= 1 {
				if err := p.Wait(); err != nil {
					return s.finish(result, err)
				}
			}
		}
	}

	return s.finish(result, nil)
}

// RecordError counts err under its type label for the run summary and metrics.
func (s *Scraper) RecordError(err error) {
	if err == nil {
		return
	}
	label := errorTypeLabel(err)

	s.mu.Lock()
	s.errorCount++
	s.errorsByType[label]++
	s.mu.Unlock()

	s.Metrics.IncError(label)
}

// Summarize fills the request and error counters of result.
func (s *Scraper) Summarize(result *models.RunResult) {
	result.EndTime = s.now()
	result.RequestCount = s.session.RequestCount()
	result.RetryCount = s.session.RetryCount()

	s.mu.Lock()
	defer s.mu.Unlock()
	result.ErrorCount = s.errorCount
	result.ErrorsByType = make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		result.ErrorsByType[k] = v
	}
}

func (s *Scraper) finish(result *models.RunResult, err error) (*models.RunResult, error) {
	s.RecordError(err)
	s.Summarize(result)
	return result, err
}

// yearRange returns every year from initial to current, inclusive.
func yearRange(initial, current int) []int {
	if initial > current {
		return nil
	}
	years := make([]int, 0, current-initial+1)
	for year := initial; year <= current; year++ {
		years = append(years, year)
	}
	return years
}
