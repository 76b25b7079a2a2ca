// Package collyfetch adapts gocolly page fetching to the handler capability:
// fetch the input URL, persist the page as the output payload, and emit
// derived requests for links matched by configured CSS selectors.
package collyfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Delay is the minimum wait between requests to the same host.
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
	// PerHostParallelism caps simultaneous requests per host. Zero leaves
	// colly's default in place.
	PerHostParallelism int `mapstructure:"per_host_parallelism" yaml:"per_host_parallelism"`
	// BlockedHosts are domains the fetcher refuses to visit.
	BlockedHosts []string `mapstructure:"blocked_hosts" yaml:"blocked_hosts"`
}

// LinkRule emits a derived request for the target action type from every
// href matched by the CSS selector on the fetched page.
type LinkRule struct {
	Selector   string `mapstructure:"selector" yaml:"selector"`
	ActionType string `mapstructure:"action_type" yaml:"action_type"`
}

// PageInput is the JSON input shape handlers built here expect.
type PageInput struct {
	URL string `json:"url"`
}

// PageDocument is the output payload persisted for a fetched page.
type PageDocument struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	FetchedAt  string `json:"fetched_at"`
}

// Fetcher builds page-fetching handlers over a shared base collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	metrics.Init()
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.DisallowedDomains = cfg.BlockedHosts
	c.WithTransport(newHTTPTransport())
	if cfg.Delay > 0 || cfg.PerHostParallelism > 0 {
		// The limit rule lives on the shared backend, so per-attempt clones
		// still observe it.
		_ = c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       cfg.Delay,
			Parallelism: cfg.PerHostParallelism,
		})
	}
	return &Fetcher{cfg: cfg, base: c}
}

// Handler returns a handler fetching the input URL. The page becomes the
// single output payload; each link rule contributes derived requests.
func (f *Fetcher) Handler(rules ...LinkRule) orchestrator.Handler {
	return orchestrator.HandlerFunc(func(ctx context.Context, req orchestrator.Request) (orchestrator.HandlerResult, error) {
		var in PageInput
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return orchestrator.HandlerResult{}, orchestrator.PermanentError(fmt.Errorf("decode page input: %w", err))
		}
		if in.URL == "" {
			return orchestrator.HandlerResult{}, orchestrator.PermanentError(fmt.Errorf("page input needs a url"))
		}

		var (
			page     PageDocument
			derived  []orchestrator.RawRequest
			status   int
			fetchErr error
		)

		collector := f.base.Clone()
		if f.cfg.UserAgent != "" {
			collector.UserAgent = f.cfg.UserAgent
		}
		collector.SetRequestTimeout(f.cfg.Timeout)

		collector.OnResponse(func(r *colly.Response) {
			status = r.StatusCode
			page = PageDocument{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Body:       string(r.Body),
				FetchedAt:  time.Now().UTC().Format(time.RFC3339),
			}
		})
		for _, rule := range rules {
			rule := rule
			collector.OnHTML(rule.Selector, func(e *colly.HTMLElement) {
				href := e.Request.AbsoluteURL(e.Attr("href"))
				if href == "" {
					return
				}
				derived = append(derived, orchestrator.RawRequest{
					ActionType: rule.ActionType,
					Input:      PageInput{URL: href},
				})
			})
		}
		collector.OnError(func(r *colly.Response, err error) {
			if r != nil {
				status = r.StatusCode
			}
			fetchErr = err
		})

		if err := visit(ctx, collector, in.URL); err != nil {
			fetchErr = err
		}

		metrics.ObserveFetch(in.URL, strconv.Itoa(status), len(page.Body))
		if fetchErr != nil {
			return orchestrator.HandlerResult{}, classify(status, in.URL, fetchErr)
		}

		output, err := json.Marshal(page)
		if err != nil {
			return orchestrator.HandlerResult{}, fmt.Errorf("encode page document: %w", err)
		}
		return orchestrator.HandlerResult{
			Outputs: []json.RawMessage{output},
			Derived: derived,
		}, nil
	})
}

// visit runs the collector, honoring ctx cancellation.
func visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// classify maps fetch failures onto the retry taxonomy: server-side and
// transport failures retry, client-side rejections do not.
func classify(status int, url string, err error) error {
	wrapped := fmt.Errorf("fetch %s: %w", url, err)
	switch {
	case errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrRobotsTxtBlocked):
		return orchestrator.PermanentError(wrapped)
	case status == http.StatusTooManyRequests || status >= 500:
		return orchestrator.RetryableError(wrapped)
	case status >= 400:
		return orchestrator.PermanentError(wrapped)
	default:
		return orchestrator.RetryableError(wrapped)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
