// Package alerting delivers pages for positive AKI verdicts. Delivery
// is idempotent per verdict key and runs off the acknowledgment path:
// a slow or failing pager can never stall message intake.
package alerting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PagerTimeout bounds a single delivery attempt.
const PagerTimeout = 5 * time.Second

// Sink is the outbound paging endpoint.
type Sink interface {
	Page(ctx context.Context, mrn string, takenAt time.Time) error
}

// HTTPPager posts alerts to the external paging collaborator as
// "mrn,yyyymmddhhmmss" at http://<addr>/page.
type HTTPPager struct {
	url    string
	client *http.Client
}

// NewHTTPPager builds a pager for the host:port of the paging endpoint.
func NewHTTPPager(addr string) *HTTPPager {
	return &HTTPPager{
		url:    fmt.Sprintf("http://%s/page", addr),
		client: &http.Client{Timeout: PagerTimeout},
	}
}

func (p *HTTPPager) Page(ctx context.Context, mrn string, takenAt time.Time) error {
	body := fmt.Sprintf("%s,%s", mrn, takenAt.Format("20060102150405"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: build page request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: page %s: %w", mrn, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alerting: page %s: unexpected status %d", mrn, resp.StatusCode)
	}
	return nil
}
