package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
	"github.com/splax/peepmetrics/internal/service/ingest"
	"github.com/splax/peepmetrics/internal/service/query"
)

type eventPayload struct {
	EventType string          `json:"event_type"`
	Page      *string         `json:"page"`
	ElementID *string         `json:"element_id"`
	Success   *bool           `json:"success"`
	Metadata  json.RawMessage `json:"metadata"`
	Timestamp *time.Time      `json:"timestamp"`
}

func (p eventPayload) toDomain() domain.UsageEvent {
	event := domain.UsageEvent{
		EventType: p.EventType,
		Page:      p.Page,
		ElementID: p.ElementID,
		Success:   p.Success,
	}
	if len(p.Metadata) > 0 && !bytes.Equal(bytes.TrimSpace(p.Metadata), []byte("null")) {
		event.Metadata = p.Metadata
	}
	if p.Timestamp != nil {
		event.OccurredAt = *p.Timestamp
	}
	return event
}

// handleEvents accepts a JSON array of usage events regardless of content type.
// Identity comes from the credential; any client-supplied identity is ignored.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for event ingest", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	receivedAt := r.clock.Now()

	var raw []json.RawMessage
	body := http.MaxBytesReader(w, req.Body, r.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorFields(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large", map[string]any{
				"max_body_bytes": r.maxBodyBytes,
			})
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidBody, "request body must be a JSON array of events")
		return
	}
	if len(raw) > r.maxBatchSize {
		r.metrics.recordRejected(codeBatchTooLarge, len(raw))
		r.logger.Warn("event batch rejected", "received", len(raw), "max_batch_size", r.maxBatchSize, "user_id", info.UserID)
		writeErrorFields(w, http.StatusRequestEntityTooLarge, codeBatchTooLarge,
			fmt.Sprintf("batch of %d events exceeds the limit of %d", len(raw), r.maxBatchSize),
			map[string]any{"max_batch_size": r.maxBatchSize, "received": len(raw)})
		return
	}

	events := make([]domain.UsageEvent, len(raw))
	for i, item := range raw {
		var payload eventPayload
		if err := json.Unmarshal(item, &payload); err != nil {
			r.metrics.recordRejected(codeInvalidEvent, len(raw))
			writeErrorFields(w, http.StatusBadRequest, codeInvalidEvent, fmt.Sprintf("event %d: malformed", i), map[string]any{"index": i})
			return
		}
		events[i] = payload.toDomain()
	}
	if err := r.events.Prepare(events, info.UserID, receivedAt); err != nil {
		var invalid *ingest.InvalidEventError
		if errors.As(err, &invalid) {
			r.metrics.recordRejected(codeInvalidEvent, len(raw))
			writeErrorFields(w, http.StatusBadRequest, codeInvalidEvent, invalid.Error(), map[string]any{"index": invalid.Index})
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidEvent, err.Error())
		return
	}
	if err := r.events.Submit(events); err != nil {
		r.logger.Warn("event batch not queued",
			"error", err,
			"events", len(events),
			"user_id", info.UserID,
			"request_id", requestIDFromContext(req.Context()),
		)
		r.writeUnavailable(w, codeServiceUnavailable, "event ingestion temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"events_received": len(events)})
}

// handleEventCount reports how many events the caller has persisted inside the
// window, clamped to the raw retention horizon.
func (r *Router) handleEventCount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for event count", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	q := req.URL.Query()
	window, err := r.query.ResolveRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRange, err.Error())
		return
	}
	window = r.query.ClampToRaw(window)
	count, err := r.events.CountUserEvents(req.Context(), info.UserID, window.Start, window.End)
	if err != nil {
		if errors.Is(err, repository.ErrUnavailable) {
			r.writeUnavailable(w, codeTemporarilyUnavailable, query.ErrTemporarilyUnavailable.Error())
			return
		}
		r.logger.Error("count events failed", "error", err, "user_id", info.UserID)
		writeError(w, http.StatusInternalServerError, codeInternal, "count failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": count,
		"start": formatTime(window.Start),
		"end":   formatTime(window.End),
	})
}
