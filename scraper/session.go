package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-lrf-downloader/config"
)

// Session is the one HTTP session shared by a run: a colly backend holding the
// cookie jar, the fixed user agent and the transport. Every request goes
// through a clone of the base collector, so callbacks never leak between
// requests and concurrent calls are safe.
type Session struct {
	baseURL   string
	rootURL   string
	userAgent string
	collector *colly.Collector
	retry     retryPolicy
	metrics   *Metrics

	requestCount int64
	retryCount   int64
}

// NewSession builds a session for the portal described by cfg.
func NewSession(cfg *config.Config, metrics *Metrics) (*Session, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	root, err := url.Parse(cfg.RootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if root.Host == "" {
		return nil, fmt.Errorf("root url must include a host")
	}

	domains := []string{base.Hostname()}
	if root.Hostname() != base.Hostname() {
		domains = append(domains, root.Hostname())
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
	)
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &Session{
		baseURL:   cfg.BaseURL,
		rootURL:   cfg.RootURL,
		userAgent: cfg.UserAgent,
		collector: collector,
		retry:     newRetryPolicy(cfg),
		metrics:   metrics,
	}, nil
}

// Bootstrap loads the landing page. Cookies set by the portal stay in the
// session for every later request.
func (s *Session) Bootstrap(ctx context.Context) (*goquery.Document, error) {
	body, err := s.do(ctx, "bootstrap", http.MethodGet, s.baseURL, nil)
	if err != nil {
		return nil, err
	}
	return parseDocument(body)
}

// PostForm submits the listing form for one city and year. The body is
// exactly MunicipioID={cityID}&Ano={year}.
func (s *Session) PostForm(ctx context.Context, cityID string, year int) (*goquery.Document, error) {
	form := "MunicipioID=" + url.QueryEscape(cityID) + "&Ano=" + strconv.Itoa(year)
	body, err := s.do(ctx, "listing", http.MethodPost, s.baseURL, []byte(form))
	if err != nil {
		return nil, err
	}
	return parseDocument(body)
}

// FetchBytes downloads rootURL+path. path is used verbatim, so an already
// escaped query string is sent as-is.
func (s *Session) FetchBytes(ctx context.Context, path string) ([]byte, error) {
	return s.do(ctx, "download", http.MethodGet, s.rootURL+path, nil)
}

// RequestCount returns the number of HTTP attempts issued, retries included.
func (s *Session) RequestCount() int {
	return int(atomic.LoadInt64(&s.requestCount))
}

// RetryCount returns the number of retried attempts.
func (s *Session) RetryCount() int {
	return int(atomic.LoadInt64(&s.retryCount))
}

func (s *Session) do(ctx context.Context, phase, method, target string, form []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&s.retryCount, 1)
			s.metrics.IncRetries()
			slog.Debug("retrying request",
				slog.String("phase", phase),
				slog.String("url", target),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
			if err := s.retry.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		body, err := s.send(ctx, phase, method, target, form)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (s *Session) send(ctx context.Context, phase, method, target string, form []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.collector.Clone()
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = 0

	var response *colly.Response
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		response = r
	})

	header := http.Header{}
	header.Set("User-Agent", s.userAgent)
	var body io.Reader
	if form != nil {
		header.Set("Content-Type", "application/x-www-form-urlencoded")
		body = bytes.NewReader(form)
	}

	atomic.AddInt64(&s.requestCount, 1)
	s.metrics.IncRequest(phase)
	start := time.Now()

	err := c.Request(method, target, body, nil, header)
	s.metrics.ObserveDuration(phase, time.Since(start))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, classifyTransportError(err))
	}
	if response == nil {
		return nil, fmt.Errorf("%s %s: no response received", method, target)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		slog.Error("non-2xx response",
			slog.String("phase", phase),
			slog.Int("status", response.StatusCode),
			slog.String("url", target),
		)
		return nil, &RequestError{StatusCode: response.StatusCode, URL: target}
	}
	return response.Body, nil
}

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}
