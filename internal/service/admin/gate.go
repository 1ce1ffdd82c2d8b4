// Package admin answers whether a caller holds admin rights, backed by the
// external identity service and a short-lived cache.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrUnavailable is returned when the identity service cannot answer.
	ErrUnavailable = errors.New("admin: identity service unavailable")
	// ErrForbidden is returned for authenticated callers without admin rights.
	ErrForbidden = errors.New("admin: forbidden")
)

const (
	defaultTTL     = 5 * time.Minute
	defaultTimeout = 3 * time.Second
	statusPath     = "/v1/admin-status"
)

// Gate outcomes reported to Metrics.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "unavailable"
)

// Metrics receives gate outcomes.
type Metrics interface {
	ObserveAdminCheck(outcome string, cached bool)
}

// Options configures the Gate.
type Options struct {
	BaseURL    string
	TTL        time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    Metrics
}

// Gate checks admin status and caches both answers per identity.
type Gate struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	metrics    Metrics
	logger     *slog.Logger
}

// New constructs a Gate.
func New(opts Options, logger *slog.Logger) (*Gate, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("admin: identity service url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("admin: invalid identity service url: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: httpClient,
		cache:      cache.New(opts.TTL, 2*opts.TTL),
		metrics:    opts.Metrics,
		logger:     logger.With("component", "admin_gate"),
	}, nil
}

// Require returns nil for admins, ErrForbidden for non-admins and ErrUnavailable
// when the answer could not be obtained.
func (g *Gate) Require(ctx context.Context, identity, credential string) error {
	isAdmin, err := g.IsAdmin(ctx, identity, credential)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrForbidden
	}
	return nil
}

// IsAdmin reports the caller's admin status. Failed lookups are not cached.
func (g *Gate) IsAdmin(ctx context.Context, identity, credential string) (bool, error) {
	if cached, ok := g.cache.Get(identity); ok {
		isAdmin := cached.(bool)
		g.observe(isAdmin, nil, true)
		return isAdmin, nil
	}
	isAdmin, err := g.lookup(ctx, credential)
	g.observe(isAdmin, err, false)
	if err != nil {
		g.logger.Error("admin status lookup failed", "user_id", identity, "error", err)
		return false, err
	}
	g.cache.SetDefault(identity, isAdmin)
	return isAdmin, nil
}

// Forget drops a cached answer.
func (g *Gate) Forget(identity string) {
	g.cache.Delete(identity)
}

func (g *Gate) lookup(ctx context.Context, credential string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+statusPath, nil)
	if err != nil {
		return false, fmt.Errorf("%w: create request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(credential))
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var payload struct {
		IsAdmin *bool `json:"is_admin"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err != nil {
		return false, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if payload.IsAdmin == nil {
		return false, fmt.Errorf("%w: response missing is_admin", ErrUnavailable)
	}
	return *payload.IsAdmin, nil
}

func (g *Gate) observe(isAdmin bool, err error, cached bool) {
	if g.metrics == nil {
		return
	}
	switch {
	case err != nil:
		g.metrics.ObserveAdminCheck(OutcomeUnavailable, cached)
	case isAdmin:
		g.metrics.ObserveAdminCheck(OutcomeAllowed, cached)
	default:
		g.metrics.ObserveAdminCheck(OutcomeDenied, cached)
	}
}
