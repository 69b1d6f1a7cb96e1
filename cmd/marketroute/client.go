package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marketroute/marketroute/internal/provider"
)

// restClient is a thin ProtocolClient over provider REST base URLs. It
// fetches raw payloads only; parsing exchange wire formats belongs to
// the consuming application.
type restClient struct {
	http  *http.Client
	bases map[provider.Key]string
}

func newRESTClient(bases map[provider.Key]string) *restClient {
	return &restClient{
		http:  &http.Client{Timeout: 10 * time.Second},
		bases: bases,
	}
}

func (c *restClient) Invoke(ctx context.Context, p provider.Provider, seg provider.Segment, symbol, op string) (any, error) {
	base, ok := c.bases[provider.Key{Provider: p, Segment: seg}]
	if !ok {
		return nil, fmt.Errorf("no base URL configured for %s/%s", p, seg)
	}

	u := fmt.Sprintf("%s/%s?symbol=%s", base, op, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d", p, op, resp.StatusCode)
	}
	return body, nil
}
