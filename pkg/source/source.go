// Package source implements the authenticated HTTP client for the
// upstream REST API: catalog listing, per-entity metadata lookups, and
// collection page fetches. Transport failures and non-2xx statuses
// surface as typed errors carrying the HTTP status, so the recovery
// classifier never inspects message text.
package source

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/inletlabs/inlet/pkg/auth"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/ratelimit"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/strings"
)

const (
	defaultCatalogPath = "entities"
	defaultUserAgent   = "inlet/1.0"

	// errorBodyLimit caps how much of a failed response body is kept as
	// error detail.
	errorBodyLimit = 512

	maxRedirects = 10
)

// Client issues authenticated GET requests against the source API. One
// Client is shared by discovery and all extraction workers; it is safe
// for concurrent use.
type Client struct {
	baseURL    string
	catalogURL string
	userAgent  string
	provider   auth.Provider
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a Client over a tuned transport. The limiter is the shared
// request budget and may be nil when rate limiting is disabled.
func New(cfg config.SourceConfig, provider auth.Provider, limiter *ratelimit.Limiter) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ClassConfig, "source base_url is required")
	}
	if provider == nil {
		return nil, errors.New(errors.ClassConfig, "auth provider is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, errors.ClassConfig, "invalid source base_url").
			WithDetail("base_url", cfg.BaseURL)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 32
	}

	log := logger.Get().With(zap.String("component", "source_client"))

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			log.Warn("failed to configure HTTP/2, staying on HTTP/1.1", zap.Error(err))
		} else {
			log.Debug("HTTP/2 enabled")
		}
	}

	base := cfg.BaseURL
	for strings.HasSuffix(base, "/") {
		base = strings.TrimSuffix(base, "/")
	}
	catalogPath := cfg.CatalogPath
	if catalogPath == "" {
		catalogPath = defaultCatalogPath
	}
	catalogPath = strings.TrimPrefix(strings.TrimSuffix(catalogPath, "/"), "/")

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    base,
		catalogURL: base + "/" + catalogPath,
		userAgent:  userAgent,
		provider:   provider,
		limiter:    limiter,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New(errors.ClassNetwork, "too many redirects")
				}
				return nil
			},
		},
		logger: log,
	}, nil
}

// EntityURL returns the absolute collection URL for an entity.
func (c *Client) EntityURL(entity string) string {
	ub := strings.NewURLBuilder(c.baseURL)
	defer ub.Close()
	return ub.AddPath(entity).String()
}

// DiscoverEntities lists the entity names exposed by the catalog
// endpoint, sorted for deterministic downstream iteration. Catalog
// entries may be bare name strings or objects carrying a "name" key.
func (c *Client) DiscoverEntities(ctx context.Context) ([]string, error) {
	var payload interface{}
	if err := c.getJSON(ctx, c.catalogURL, "catalog", &payload); err != nil {
		return nil, err
	}

	list, ok := envelopeList(payload)
	if !ok {
		return nil, errors.New(errors.ClassDataValidation, "catalog response has no entity list").
			WithDetail("url", c.catalogURL)
	}

	names := make([]string, 0, len(list))
	for _, el := range list {
		switch v := el.(type) {
		case string:
			if v != "" {
				names = append(names, v)
			}
		case map[string]interface{}:
			if name, isStr := v["name"].(string); isStr && name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 && len(list) > 0 {
		return nil, errors.New(errors.ClassDataValidation, "catalog entries carry no usable names").
			WithDetail("url", c.catalogURL)
	}

	sort.Strings(names)
	c.logger.Debug("listed catalog entities", zap.Int("count", len(names)))
	return names, nil
}

// DescribeEntity fetches the declared field metadata for one entity. A
// 404 from the describe endpoint is a normal not-found result, not an
// error; callers fall back to sample-based schema inference.
func (c *Client) DescribeEntity(ctx context.Context, entity string) (*schema.EntityMetadata, bool, error) {
	ub := strings.NewURLBuilder(c.catalogURL)
	ub.AddPath(entity)
	describeURL := ub.String()
	ub.Close()

	var meta schema.EntityMetadata
	if err := c.getJSON(ctx, describeURL, entity, &meta); err != nil {
		if errors.GetStatus(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if meta.Name == "" {
		meta.Name = entity
	}
	return &meta, true, nil
}

// GetEntityPage fetches one collection page. Params are appended in
// sorted key order so request URLs are stable across runs.
func (c *Client) GetEntityPage(ctx context.Context, entity string, params map[string]string) (*RawPage, error) {
	ub := strings.NewURLBuilder(c.baseURL)
	ub.AddPath(entity)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ub.AddParam(k, params[k])
	}
	pageURL := ub.String()
	ub.Close()

	var payload interface{}
	if err := c.getJSON(ctx, pageURL, entity, &payload); err != nil {
		return nil, err
	}
	return &RawPage{Entity: entity, Payload: payload}, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// getJSON performs one rate-limited authenticated GET and decodes the
// JSON response into out. The label feeds the per-entity request
// metrics.
func (c *Client) getJSON(ctx context.Context, rawURL, label string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.ClassNetwork, "rate limit wait interrupted")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to build request").
			WithDetail("url", rawURL)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.provider.Apply(req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.HTTPRequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HTTPRequests.WithLabelValues(label, "error").Inc()
		return errors.Wrap(err, errors.ClassNetwork, "request failed").
			WithDetail("url", rawURL)
	}
	defer resp.Body.Close()

	metrics.HTTPRequests.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	if c.limiter != nil {
		c.limiter.RecordResponse(resp.StatusCode)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return c.statusError(resp, rawURL)
	}

	dec := jsonpool.GetDecoder(resp.Body)
	defer jsonpool.PutDecoder(dec)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to decode response body").
			WithDetail("url", rawURL)
	}
	return nil
}

// statusError converts a non-2xx response into a typed error carrying
// the status, a body snippet, and any Retry-After hint. The remaining
// body is drained so the connection can be reused.
func (c *Client) statusError(resp *http.Response, rawURL string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	_, _ = io.Copy(io.Discard, resp.Body)

	httpErr := errors.New(errors.ClassForStatus(resp.StatusCode), "unexpected response status").
		WithStatus(resp.StatusCode).
		WithDetail("url", rawURL)
	if len(snippet) > 0 {
		httpErr = httpErr.WithDetail("body", strings.BytesToString(snippet))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, ok := retryAfterSeconds(resp.Header.Get("Retry-After"), time.Now()); ok {
			httpErr = httpErr.WithDetail("retry_after", secs)
		}
	}

	c.logger.Warn("source returned error status",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode))
	return httpErr
}

// retryAfterSeconds parses a Retry-After value given either as
// delta-seconds or as an HTTP-date.
func retryAfterSeconds(header string, now time.Time) (int, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return secs, true
	}
	if at, err := http.ParseTime(header); err == nil {
		secs := int(at.Sub(now).Seconds())
		if secs < 0 {
			secs = 0
		}
		return secs, true
	}
	return 0, false
}
