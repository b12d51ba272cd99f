package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	"github.com/aluiziolira/go-lrf-downloader/models"
)

type yearKey struct {
	cityID string
	year   int
}

// BarReporter renders one tracker for the city loop and one per (city, year)
// listing, in the spirit of nested terminal progress bars.
type BarReporter struct {
	writer progress.Writer
	cities *progress.Tracker

	mu    sync.Mutex
	years map[yearKey]*progress.Tracker
}

// NewBarReporter starts rendering to out.
func NewBarReporter(out io.Writer) *BarReporter {
	writer := progress.NewWriter()
	writer.SetOutputWriter(out)
	writer.SetAutoStop(false)
	writer.SetTrackerLength(30)
	writer.SetUpdateFrequency(200 * time.Millisecond)
	writer.Style().Visibility.ETA = true
	writer.Style().Visibility.Value = true

	r := &BarReporter{
		writer: writer,
		years:  make(map[yearKey]*progress.Tracker),
	}
	go writer.Render()
	for !writer.IsRenderInProgress() {
		time.Sleep(time.Millisecond)
	}
	return r
}

func (r *BarReporter) CityStarted(city models.City, index, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cities == nil {
		r.cities = &progress.Tracker{
			Message: "Scraping cities",
			Total:   int64(total),
			Units:   progress.UnitsDefault,
		}
		r.writer.AppendTracker(r.cities)
	}
	r.cities.SetValue(int64(index))
	r.cities.UpdateMessage(fmt.Sprintf("Scraping %s", city.Name))
}

func (r *BarReporter) YearStarted(city models.City, year int, rows int) {
	tracker := &progress.Tracker{
		Message: fmt.Sprintf("%s %d", city.Name, year),
		Total:   int64(rows),
		Units:   progress.UnitsDefault,
	}

	r.mu.Lock()
	r.years[yearKey{cityID: city.ID, year: year}] = tracker
	r.mu.Unlock()

	r.writer.AppendTracker(tracker)
	if rows == 0 {
		tracker.MarkAsDone()
	}
}

func (r *BarReporter) RowSaved(job models.DownloadJob, _ string) {
	if tracker := r.tracker(job); tracker != nil {
		tracker.Increment(1)
	}
}

func (r *BarReporter) RowFailed(job models.DownloadJob, _ error) {
	if tracker := r.tracker(job); tracker != nil {
		tracker.MarkAsErrored()
	}
}

// Done marks every tracker finished and stops rendering.
func (r *BarReporter) Done() {
	r.mu.Lock()
	if r.cities != nil {
		r.cities.MarkAsDone()
	}
	for _, tracker := range r.years {
		if !tracker.IsDone() {
			tracker.MarkAsDone()
		}
	}
	r.mu.Unlock()

	r.writer.Stop()
	for r.writer.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *BarReporter) tracker(job models.DownloadJob) *progress.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.years[yearKey{cityID: job.City.ID, year: job.Year}]
}
