package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	eventsPath       = "/api/metrics/events"
)

var (
	// ErrUnauthorized indicates the API rejected the credential.
	ErrUnauthorized = errors.New("tracker: unauthorized")
	// ErrInvalidArgument indicates the API rejected the batch contents.
	ErrInvalidArgument = errors.New("tracker: invalid event")
	// ErrBatchTooLarge indicates the batch exceeded the API's per-request limit.
	ErrBatchTooLarge = errors.New("tracker: batch too large")
	// ErrUnavailable covers network failures, throttling and server errors.
	ErrUnavailable = errors.New("tracker: api unavailable")
)

// IsPermanent reports whether err will not go away by sending the same batch again.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrBatchTooLarge)
}

// Sender delivers event batches to the batch ingest endpoint.
type Sender struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration

	beacons sync.WaitGroup
}

// NewSender creates a Sender for the API at baseURL authenticating with token.
func NewSender(baseURL, token string, client *http.Client) (*Sender, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("tracker: api base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Sender{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		timeout: client.Timeout,
	}, nil
}

// Send posts one batch and waits for the API's answer.
func (s *Sender) Send(ctx context.Context, events []Event) error {
	if s == nil {
		return errors.New("tracker: sender not initialised")
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+eventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	return nil
}

// Beacon sends a batch in the background and returns at once. It is detached
// from any caller context and its outcome is not reported.
func (s *Sender) Beacon(events []Event) {
	if s == nil || len(events) == 0 {
		return
	}
	batch := append([]Event(nil), events...)
	s.beacons.Add(1)
	go func() {
		defer s.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_ = s.Send(ctx, batch)
	}()
}

// Wait blocks until outstanding beacons finish or ctx ends. Processes call it
// right before exiting.
func (s *Sender) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrBatchTooLarge, summary)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	}
}
