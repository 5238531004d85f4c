package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/soportecyclops/tienda21/internal/catalog"
	"github.com/soportecyclops/tienda21/internal/pipeline"
)

// maxBodyBytes bounds webhook bodies; store messages are small.
const maxBodyBytes = 64 * 1024

// MessageProcessor is the pipeline boundary the gateway hands verified
// messages to.
type MessageProcessor interface {
	Handle(ctx context.Context, msg pipeline.InboundMessage) (*pipeline.Outcome, error)
}

// ProductIngester receives verified catalog webhook payloads.
type ProductIngester interface {
	UpsertBatch(ctx context.Context, products []catalog.Product) error
}

// chatPayload is the store platform's message webhook body.
type chatPayload struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// Handler terminates store webhooks. Every request is verified against the
// shared secret before anything else looks at the payload.
type Handler struct {
	processor MessageProcessor
	ingester  ProductIngester
	secret    []byte
	limiter   *RateLimiter
	replay    *ReplayGuard
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithRateLimiter attaches a rate limiter. Without one, no limit is applied.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// WithReplayGuard overrides the default replay guard.
func WithReplayGuard(g *ReplayGuard) Option {
	return func(h *Handler) { h.replay = g }
}

// WithIngester attaches the catalog ingester for the products webhook.
func WithIngester(in ProductIngester) Option {
	return func(h *Handler) { h.ingester = in }
}

// NewHandler creates a webhook handler bound to the shared secret.
func NewHandler(processor MessageProcessor, secret []byte, opts ...Option) *Handler {
	h := &Handler{
		processor: processor,
		secret:    secret,
		replay:    NewReplayGuard(0, 0),
		sanitizer: bluemonday.StrictPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChat terminates POST /webhooks/chat: verify, filter, sanitize, and
// hand the message to the pipeline.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	body, ts, ok := h.verify(w, r)
	if !ok {
		return
	}

	var payload chatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.Channel = strings.TrimSpace(payload.Channel)
	if payload.UserID == "" || payload.Channel == "" || strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "user_id, channel and message are required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(payload.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		return
	}

	text := strings.TrimSpace(h.sanitizer.Sanitize(payload.Message))
	if text == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "message is empty after sanitization")
		return
	}

	outcome, err := h.processor.Handle(r.Context(), pipeline.InboundMessage{
		UserID:     payload.UserID,
		Channel:    payload.Channel,
		Text:       text,
		ReceivedAt: ts,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionBusy) {
			w.Header().Set("Retry-After", "2")
			writeError(w, http.StatusServiceUnavailable, "session_busy", "message for this session is still processing")
			return
		}
		log.Error().Err(err).Str("channel", payload.Channel).Msg("pipeline_failed")
		writeError(w, http.StatusInternalServerError, "internal", "message processing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome)
}

// HandleProducts terminates POST /webhooks/products: verified catalog updates
// from the store platform.
func (h *Handler) HandleProducts(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		writeError(w, http.StatusNotFound, "not_found", "catalog webhook not configured")
		return
	}
	body, _, ok := h.verify(w, r)
	if !ok {
		return
	}

	var products []catalog.Product
	if err := json.Unmarshal(body, &products); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not a JSON product list")
		return
	}
	if err := h.ingester.UpsertBatch(r.Context(), products); err != nil {
		log.Error().Err(err).Msg("catalog_ingest_failed")
		writeError(w, http.StatusInternalServerError, "internal", "catalog update failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "products": len(products)})
}

// verify reads the body and runs the pre-pipeline filters: signature,
// timestamp tolerance, replay. On failure it writes the response and returns
// ok=false. Returns the raw body and the webhook timestamp.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) (body []byte, ts time.Time, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body unreadable or too large")
		return nil, time.Time{}, false
	}

	signature := r.Header.Get(HeaderSignature)
	if !VerifySignature(h.secret, body, signature) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("webhook_signature_rejected")
		writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid webhook signature")
		return nil, time.Time{}, false
	}

	rawTS := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", fmt.Sprintf("missing or malformed %s header", HeaderTimestamp))
		return nil, time.Time{}, false
	}
	ts = time.Unix(unix, 0).UTC()

	if err := h.replay.Check(signature, ts, h.now()); err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook_replay_rejected")
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return nil, time.Time{}, false
	}
	return body, ts, true
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
