package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soportecyclops/tienda21/internal/catalog"
	"github.com/soportecyclops/tienda21/internal/pipeline"
	"github.com/soportecyclops/tienda21/internal/session"
)

var testSecret = []byte("webhook-secret")

type fakeProcessor struct {
	lastMsg pipeline.InboundMessage
	calls   int
	err     error
}

func (f *fakeProcessor) Handle(_ context.Context, msg pipeline.InboundMessage) (*pipeline.Outcome, error) {
	f.calls++
	f.lastMsg = msg
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Outcome{SessionID: "s1", State: session.StateActive, Reply: "hola"}, nil
}

type fakeIngester struct {
	products []catalog.Product
	err      error
}

func (f *fakeIngester) UpsertBatch(_ context.Context, products []catalog.Product) error {
	f.products = append(f.products, products...)
	return f.err
}

func signedRequest(t *testing.T, path string, body []byte, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(testSecret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	return req
}

func chatBody(userID, message string) []byte {
	b, _ := json.Marshal(map[string]string{
		"user_id": userID, "channel": "whatsapp", "message": message,
	})
	return b
}

func TestHandleChatAccepted(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)
	now := time.Now().UTC()

	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", chatBody("u1", "¿tienen envío gratis?"), now))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, proc.calls)
	assert.Equal(t, "u1", proc.lastMsg.UserID)
	assert.Equal(t, "whatsapp", proc.lastMsg.Channel)
	assert.Equal(t, "¿tienen envío gratis?", proc.lastMsg.Text)

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "hola", out.Reply)
}

func TestHandleChatBadSignature(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)
	body := chatBody("u1", "hola")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chat", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, Sign([]byte("wrong-secret"), body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, proc.calls, "unauthenticated requests never reach the pipeline")
}

func TestHandleChatMissingTimestamp(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)
	body := chatBody("u1", "hola")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chat", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, Sign(testSecret, body))

	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, proc.calls)
}

func TestHandleChatStaleTimestamp(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)

	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", chatBody("u1", "hola"), time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, proc.calls)
}

func TestHandleChatReplayRejected(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)
	now := time.Now().UTC()
	body := chatBody("u1", "hola")

	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", body, now))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", body, now))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, proc.calls, "replayed webhook must not be processed twice")
}

func TestHandleChatMalformedPayload(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)

	for name, body := range map[string][]byte{
		"not json":       []byte("not-json"),
		"missing fields": []byte(`{"user_id":"u1"}`),
		"blank message":  chatBody("u1", "   "),
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleChat(rec, signedRequest(t, "/webhooks/chat", body, time.Now()))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, proc.calls)
}

func TestHandleChatSanitizesHTML(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret)

	body := chatBody("u1", `<script>alert(1)</script>hola <b>mundo</b>`)
	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", body, time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, proc.lastMsg.Text, "<script>")
	assert.NotContains(t, proc.lastMsg.Text, "<b>")
	assert.Contains(t, proc.lastMsg.Text, "hola")
}

func TestHandleChatRateLimited(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, testSecret, WithRateLimiter(NewRateLimiter(600, 2)))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.HandleChat(rec, signedRequest(t, "/webhooks/chat", chatBody("u1", fmt.Sprintf("mensaje %d", i)), time.Now()))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", chatBody("u1", "mensaje 3"), time.Now()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, proc.calls)
}

func TestHandleChatSessionBusy(t *testing.T) {
	proc := &fakeProcessor{err: fmt.Errorf("%w: u1:whatsapp", pipeline.ErrSessionBusy)}
	h := NewHandler(proc, testSecret)

	rec := httptest.NewRecorder()
	h.HandleChat(rec, signedRequest(t, "/webhooks/chat", chatBody("u1", "hola"), time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandleProducts(t *testing.T) {
	ing := &fakeIngester{}
	h := NewHandler(&fakeProcessor{}, testSecret, WithIngester(ing))

	body, _ := json.Marshal([]catalog.Product{
		{ID: "p1", Name: "Remera azul", Price: 9999, Currency: "ARS", Stock: 3},
	})
	rec := httptest.NewRecorder()
	h.HandleProducts(rec, signedRequest(t, "/webhooks/products", body, time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ing.products, 1)
	assert.Equal(t, "Remera azul", ing.products[0].Name)
}

func TestHandleProductsRequiresSignature(t *testing.T) {
	ing := &fakeIngester{}
	h := NewHandler(&fakeProcessor{}, testSecret, WithIngester(ing))

	body, _ := json.Marshal([]catalog.Product{{ID: "p1", Name: "Remera"}})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/products", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	rec := httptest.NewRecorder()
	h.HandleProducts(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ing.products)
}
