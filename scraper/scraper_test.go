package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-lrf-downloader/config"
	"github.com/aluiziolira/go-lrf-downloader/models"
	"github.com/aluiziolira/go-lrf-downloader/parser"
	"github.com/aluiziolira/go-lrf-downloader/pipeline"
)

const (
	testBaseURL = "http://portal.test/portlet-responsabilidadefiscal/responsabilidadefiscal"
	testRootURL = "http://portal.test"

	downloadHref  = "/portlet-responsabilidadefiscal/responsabilidadefiscal/GetArquivo?tipoAnexo=RREO12&orgaoID=771&Ano=2013&Mes=2&recebimento=07%2F16%2F2013%2012%3A40%3A27"
	downloadQuery = "tipoAnexo=RREO12&orgaoID=771&Ano=2013&Mes=2&recebimento=07%2F16%2F2013%2012%3A40%3A27"
)

var downloadPattern = regexp.MustCompile(`^http://portal\.test/portlet-responsabilidadefiscal/responsabilidadefiscal/GetArquivo`)

const landingPage = `<html><body><form>
<select id="Ano"><option value="2013">2013</option></select>
<select id="MunicipioID">
<option value="">Selecione</option>
<option value="6">Rio de Janeiro</option>
</select>
</form></body></html>`

const twoCityLandingPage = `<html><body><form>
<select id="MunicipioID">
<option value="6">Rio de Janeiro</option>
<option value="9">Niterói</option>
</select>
</form></body></html>`

const reportRow = `<tr><td>Executivo</td><td>07/16/2013</td><td>RREO12</td><td><a href="` + downloadHref + `">PDF</a></td></tr>`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.RootURL = testRootURL
	cfg.Timeout = 5 * time.Second
	cfg.PipelineBufferSize = 16
	cfg.SlugCacheSize = 16
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config) (*Scraper, *httpmock.MockTransport) {
	t.Helper()

	s, err := NewScraper(cfg)
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	s.session.collector.WithTransport(transport)
	return s, transport
}

func listingPage(rows string) string {
	return `<html><body>
<table><tr><td>filtros</td></tr></table>
<table>
<tr><th>Poder</th><th>Recebimento</th><th>Relatório</th><th>Arquivo</th></tr>
` + rows + `
</table></body></html>`
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

// formRecorder answers listing POSTs and keeps every submitted body.
type formRecorder struct {
	mu    sync.Mutex
	forms []string
	page  func(form string) string
}

func (fr *formRecorder) responder(req *http.Request) (*http.Response, error) {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	form := string(raw)

	fr.mu.Lock()
	fr.forms = append(fr.forms, form)
	fr.mu.Unlock()

	return httpmock.NewStringResponse(200, fr.page(form)), nil
}

func (fr *formRecorder) submitted() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]string, len(fr.forms))
	copy(out, fr.forms)
	return out
}

// firstListingHasReport returns a report row for the first city's first year
// and an empty table for every other listing.
func firstListingHasReport(form string) string {
	if form == "MunicipioID=6&Ano=2013" {
		return listingPage(reportRow)
	}
	return listingPage("")
}

type failingSaver struct {
	err error
}

func (fs failingSaver) Save(string, int, string, string, []byte) (string, error) {
	return "", fs.err
}

type nopSaver struct{}

func (nopSaver) Save(string, int, string, string, []byte) (string, error) {
	return "", nil
}

func TestBootstrapLoadsCatalog(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(landingPage))

	cities, err := s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.City{{ID: "6", Name: "Rio de Janeiro"}}, cities)

	_, err = s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, transport.GetTotalCallCount(), "landing page requested once")
	assert.Len(t, s.Cities(), 1)
}

func TestBootstrapServerError(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := s.Bootstrap(context.Background())
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.Equal(t, "Response malformed with status code 500", err.Error())
	assert.Equal(t, 1, transport.GetTotalCallCount(), "no retries by default")
}

func TestBootstrapMissingSelector(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(`<html><body>manutenção</body></html>`))

	_, err := s.Bootstrap(context.Background())
	var parseErr *parser.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestPostFormBodyAndSession(t *testing.T) {
	cfg := testConfig()
	s, transport := newTestScraper(t, cfg)

	landing := httpmock.NewStringResponse(200, landingPage)
	landing.Header.Add("Set-Cookie", "JSESSIONID=abc123; Path=/")
	transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.ResponderFromResponse(landing))

	var (
		gotBody        string
		gotContentType string
		gotUserAgent   string
		gotCookie      string
	)
	transport.RegisterResponder(http.MethodPost, testBaseURL, func(req *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		gotBody = string(raw)
		gotContentType = req.Header.Get("Content-Type")
		gotUserAgent = req.Header.Get("User-Agent")
		if cookie, err := req.Cookie("JSESSIONID"); err == nil {
			gotCookie = cookie.Value
		}
		return httpmock.NewStringResponse(200, listingPage(reportRow)), nil
	})

	_, err := s.Bootstrap(context.Background())
	require.NoError(t, err)
	rows, err := s.FetchListing(context.Background(), "6", 2013)
	require.NoError(t, err)

	assert.Equal(t, "MunicipioID=6&Ano=2013", gotBody)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, cfg.UserAgent, gotUserAgent)
	assert.Equal(t, "abc123", gotCookie, "session cookie carried to the listing")
	assert.Equal(t, []models.ReportRow{
		{Release: "07/16/2013", Name: "RREO12", DownloadPath: downloadHref},
	}, rows)
}

func TestFetchBytesKeepsEscapedQuery(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())

	var gotQuery string
	transport.RegisterRegexpResponder(http.MethodGet, downloadPattern, func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.RawQuery
		return httpmock.NewBytesResponse(200, []byte("%PDF-1.4")), nil
	})

	content, err := s.Session().FetchBytes(context.Background(), downloadHref)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(content))
	assert.Equal(t, downloadQuery, gotQuery)
}

func TestSessionRetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	s, transport := newTestScraper(t, cfg)

	var mu sync.Mutex
	calls := 0
	transport.RegisterResponder(http.MethodGet, testBaseURL, func(*http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		return httpmock.NewStringResponse(200, landingPage), nil
	})

	_, err := s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.session.RequestCount())
	assert.Equal(t, 1, s.session.RetryCount())
}

func TestSessionDoesNotRetryClientErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	s, transport := newTestScraper(t, cfg)
	transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	_, err := s.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestSessionConnectionError(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	transport.RegisterResponder(http.MethodGet, testBaseURL,
		httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	_, err := s.Bootstrap(context.Background())
	var connErr ErrConnection
	assert.ErrorAs(t, err, &connErr)
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rp := newRetryPolicy(cfg)

	assert.Equal(t, 200*time.Millisecond, rp.backoff(1))
	assert.Equal(t, 400*time.Millisecond, rp.backoff(2))
	assert.LessOrEqual(t, rp.backoff(4), cfg.RetryBackoffMax)
}

func TestRetryPolicyWaitCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newRetryPolicy(cfg).wait(ctx, 1), context.Canceled)
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "canceled", err: fmt.Errorf("listing: %w", context.Canceled), expected: "canceled"},
		{name: "context timeout", err: classifyTransportError(context.DeadlineExceeded), expected: "timeout"},
		{name: "net timeout", err: classifyTransportError(&net.DNSError{IsTimeout: true}), expected: "timeout"},
		{name: "connection", err: classifyTransportError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}), expected: "connection"},
		{name: "forbidden", err: &RequestError{StatusCode: http.StatusForbidden}, expected: "forbidden"},
		{name: "not found", err: &RequestError{StatusCode: http.StatusNotFound}, expected: "not_found"},
		{name: "rate limited", err: &RequestError{StatusCode: http.StatusTooManyRequests}, expected: "rate_limited"},
		{name: "server error", err: &RequestError{StatusCode: http.StatusBadGateway}, expected: "server_error"},
		{name: "redirect", err: &RequestError{StatusCode: http.StatusFound}, expected: "request"},
		{name: "parse", err: fmt.Errorf("listing: %w", &parser.ParseError{Reason: "no table"}), expected: "parse"},
		{name: "io", err: &pipeline.IOError{Op: "write", Path: "x", Err: os.ErrPermission}, expected: "io"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errorTypeLabel(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: ErrTimeout{Err: context.DeadlineExceeded}, want: true},
		{err: ErrConnection{Err: errors.New("reset")}, want: true},
		{err: &RequestError{StatusCode: http.StatusTooManyRequests}, want: true},
		{err: &RequestError{StatusCode: http.StatusInternalServerError}, want: true},
		{err: &RequestError{StatusCode: http.StatusNotFound}, want: false},
		{err: &parser.ParseError{Reason: "x"}, want: false},
		{err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryable(tt.err), "retryable(%v)", tt.err)
	}
}

func TestYearRange(t *testing.T) {
	assert.Equal(t, []int{2013, 2014, 2015, 2016}, yearRange(2013, 2016))
	assert.Equal(t, []int{2016}, yearRange(2016, 2016))
	assert.Empty(t, yearRange(2017, 2016))
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	s, transport := newTestScraper(t, cfg)
	s.now = func() time.Time { return time.Date(2014, time.March, 1, 12, 0, 0, 0, time.UTC) }

	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(landingPage))
	forms := &formRecorder{page: firstListingHasReport}
	transport.RegisterResponder(http.MethodPost, testBaseURL, forms.responder)
	transport.RegisterRegexpResponder(http.MethodGet, downloadPattern, httpmock.NewBytesResponder(200, []byte("%PDF-1.4 data")))

	sink, err := pipeline.NewFileSink(cfg.OutputDir, cfg.SlugCacheSize)
	require.NoError(t, err)
	p := pipeline.NewPipeline(context.Background(), s.Session(), sink, cfg)
	p.Start(cfg.Parallelism)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, []string{"MunicipioID=6&Ano=2013", "MunicipioID=6&Ano=2014"}, forms.submitted())
	assert.Equal(t, 1, result.Cities)
	assert.Equal(t, 2, result.Listings)
	assert.Equal(t, 1, result.RowsDiscovered)
	assert.Zero(t, result.ErrorCount, "errors: %v", result.ErrorsByType)
	assert.Equal(t, 4, s.Session().RequestCount())

	content, err := os.ReadFile(filepath.Join(cfg.OutputDir, "rio-de-janeiro", "2013", "rreo12-20131607.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 data", string(content))
	assert.Equal(t, int64(1), p.GetMetrics()["saved_reports"].(int64))
}

func TestScraperRunStopsOnDownloadError(t *testing.T) {
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	s, transport := newTestScraper(t, cfg)
	s.now = func() time.Time { return time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC) }

	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(twoCityLandingPage))
	forms := &formRecorder{page: firstListingHasReport}
	transport.RegisterResponder(http.MethodPost, testBaseURL, forms.responder)
	transport.RegisterRegexpResponder(http.MethodGet, downloadPattern, httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	sink, err := pipeline.NewFileSink(cfg.OutputDir, cfg.SlugCacheSize)
	require.NoError(t, err)
	p := pipeline.NewPipeline(context.Background(), s.Session(), sink, cfg)
	p.Start(cfg.Parallelism)

	result, runErr := s.Run(context.Background(), p)
	closeErr := p.Close()

	var reqErr *RequestError
	require.ErrorAs(t, runErr, &reqErr)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.ErrorAs(t, closeErr, &reqErr)
	assert.Equal(t, []string{"MunicipioID=6&Ano=2013"}, forms.submitted(), "no listing requested after the failed download")
	assert.Equal(t, 1, result.ErrorsByType["server_error"])

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScraperRunStopsOnSaveError(t *testing.T) {
	cfg := testConfig()
	s, transport := newTestScraper(t, cfg)
	s.now = func() time.Time { return time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC) }

	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(twoCityLandingPage))
	forms := &formRecorder{page: firstListingHasReport}
	transport.RegisterResponder(http.MethodPost, testBaseURL, forms.responder)
	transport.RegisterRegexpResponder(http.MethodGet, downloadPattern, httpmock.NewBytesResponder(200, []byte("%PDF-1.4")))

	saveErr := &pipeline.IOError{Op: "write", Path: "output/rio-de-janeiro/2013/rreo12-20131607.pdf", Err: os.ErrPermission}
	p := pipeline.NewPipeline(context.Background(), s.Session(), failingSaver{err: saveErr}, cfg)
	p.Start(cfg.Parallelism)

	result, runErr := s.Run(context.Background(), p)
	_ = p.Close()

	var ioErr *pipeline.IOError
	require.ErrorAs(t, runErr, &ioErr)
	assert.ErrorIs(t, runErr, os.ErrPermission)
	assert.Equal(t, []string{"MunicipioID=6&Ano=2013"}, forms.submitted(), "no listing requested after the failed save")
	assert.Equal(t, 1, result.ErrorsByType["io"])
}

func TestScraperRunParallelStopsAfterDownloadError(t *testing.T) {
	cfg := testConfig()
	cfg.Parallelism = 4
	s, transport := newTestScraper(t, cfg)
	s.now = func() time.Time { return time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC) }

	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(twoCityLandingPage))
	forms := &formRecorder{page: firstListingHasReport}
	transport.RegisterResponder(http.MethodPost, testBaseURL, forms.responder)
	transport.RegisterRegexpResponder(http.MethodGet, downloadPattern, httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	p := pipeline.NewPipeline(context.Background(), s.Session(), nopSaver{}, cfg)
	p.Start(cfg.Parallelism)

	_, runErr := s.Run(context.Background(), p)
	closeErr := p.Close()

	// the failure surfaces either while walking or when the pipeline closes
	err := runErr
	if err == nil {
		err = closeErr
	}
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	if runErr != nil {
		assert.Less(t, len(forms.submitted()), 16, "walk stopped before every listing was requested")
	}
}

func TestScraperRunStopsOnListingError(t *testing.T) {
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	s, transport := newTestScraper(t, cfg)
	s.now = func() time.Time { return time.Date(2016, time.January, 10, 0, 0, 0, 0, time.UTC) }

	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(landingPage))
	transport.RegisterResponder(http.MethodPost, testBaseURL, htmlResponder(`<html><body><table><tr><td>único</td></tr></table></body></html>`))

	sink, err := pipeline.NewFileSink(cfg.OutputDir, cfg.SlugCacheSize)
	require.NoError(t, err)
	p := pipeline.NewPipeline(context.Background(), s.Session(), sink, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, p.Close())

	var parseErr *parser.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, result.ErrorsByType["parse"])
	assert.Equal(t, 2, transport.GetTotalCallCount(), "bootstrap plus one listing")

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScraperRunCancelled(t *testing.T) {
	cfg := testConfig()
	s, transport := newTestScraper(t, cfg)
	transport.RegisterResponder(http.MethodGet, testBaseURL, htmlResponder(landingPage))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pipeline.NewPipeline(ctx, s.Session(), nopSaver{}, cfg)
	p.Start(1)

	result, err := s.Run(ctx, p)
	_ = p.Close()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.ErrorsByType["canceled"])
	assert.Zero(t, transport.GetTotalCallCount())
	assert.False(t, strings.Contains(err.Error(), "listing"), "stopped before any listing")
}
