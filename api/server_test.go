package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xiucall/push/api"
	"github.com/xiucall/push/config"
	"github.com/xiucall/push/fabric/memfabric"
	"github.com/xiucall/push/queue"
	"github.com/xiucall/push/store"
	"github.com/xiucall/push/store/memstore"
)

func newTestServer(t *testing.T) (*api.Server, *queue.Broker) {
	t.Helper()
	ms := memstore.New()
	hub := memfabric.New()
	b := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) { return ms, nil },
		Fabric:    hub,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return api.New(config.Default(), b, nil), b
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPushFanOut(t *testing.T) {
	s, b := newTestServer(t)

	body := `{"send_id":"svc","channel":"chat","recv_id":["u1","u2","u3"],"data":{"text":"hi"},"auto_create":true}`
	rr := postJSON(t, s.Handler(), "/push", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		OK        int      `json:"ok"`
		Delivered int      `json:"delivered"`
		Failed    []string `json:"failed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK != 1 || resp.Delivered != 3 || len(resp.Failed) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Every recipient independently observes exactly one record.
	ctx := context.Background()
	for _, r := range []string{"u1", "u2", "u3"} {
		sub, err := b.Get(ctx, r, queue.GetOptions{Mode: queue.ModeSubscribe})
		if err != nil {
			t.Fatalf("Get %s: %v", r, err)
		}
		rec, err := sub.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek %s: %v", r, err)
		}
		if rec.Payload["from"] != "svc" {
			t.Fatalf("unexpected payload for %s: %v", r, rec.Payload)
		}
		_ = sub.Close(ctx)
	}
}

func TestPushValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"no body", `{}`},
		{"missing send_id", `{"channel":"c","recv_id":["a"],"data":{}}`},
		{"missing channel", `{"send_id":"s","recv_id":["a"],"data":{}}`},
		{"missing recv_id", `{"send_id":"s","channel":"c","data":{}}`},
		{"empty recv_id", `{"send_id":"s","channel":"c","recv_id":[],"data":{}}`},
		{"missing data", `{"send_id":"s","channel":"c","recv_id":["a"]}`},
		{"not json", `hello`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, s.Handler(), "/push", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", rr.Code)
			}
		})
	}
}

func TestPushPartialFailure(t *testing.T) {
	s, b := newTestServer(t)

	// u1 exists, ghost does not and auto_create is off.
	ctx := context.Background()
	if _, err := b.Get(ctx, "u1", queue.GetOptions{AutoCreate: true}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	body := `{"send_id":"svc","channel":"c","recv_id":["u1","ghost"],"data":{"n":1}}`
	rr := postJSON(t, s.Handler(), "/push", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Delivered int      `json:"delivered"`
		Failed    []string `json:"failed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Delivered != 1 || len(resp.Failed) != 1 || resp.Failed[0] != "ghost" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Strict mode escalates the same partial failure.
	rr = postJSON(t, s.Handler(), "/push?strict=1", body)
	if rr.Code != http.StatusNotAcceptable {
		t.Fatalf("strict status %d, want 406", rr.Code)
	}
}

func TestHealthy(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postJSON(t, s.Handler(), "/healthy", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAPIs(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/apis", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp map[string][]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["v1"]) == 0 {
		t.Fatalf("missing v1 routes: %v", resp)
	}
}

func TestQueryEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	ctx := context.Background()
	q, err := b.Get(ctx, "inspect-me", queue.GetOptions{AutoCreate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := q.Push(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/queues/inspect-me/messages?limit=2", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Messages []struct {
			Payload map[string]any `json:"payload"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}

	req = httptest.NewRequest(http.MethodGet, "/queues/no-such-queue/messages", nil)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestPushRateLimit(t *testing.T) {
	ms := memstore.New()
	hub := memfabric.New()
	b := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) { return ms, nil },
		Fabric:    hub,
	})
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	cfg := config.Default()
	cfg.API.RatePerSecond = 1
	cfg.API.RateBurst = 1
	s := api.New(cfg, b, nil)

	body := `{"send_id":"s","channel":"c","recv_id":["a"],"data":{},"auto_create":true}`
	first := postJSON(t, s.Handler(), "/push", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first push status %d", first.Code)
	}
	second := postJSON(t, s.Handler(), "/push", body)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second push status %d, want 429", second.Code)
	}
}
