package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"escrowchat/internal/model"
	"escrowchat/pkg/config"
	"escrowchat/pkg/trace"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(config.APIConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, ReadRetries: 3}, zaptest.NewLogger(t))
	c.retryDelay = time.Millisecond
	return c
}

func TestRequestCarriesBearerAndTrace(t *testing.T) {
	var gotAuth, gotTrace string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get(trace.HeaderName)
		_, _ = w.Write([]byte(`{"_id":"u1","real_name":"Ana","username":"ana"}`))
	}))
	c.SetToken("tok")

	ctx := trace.WithContext(context.Background(), "trace-1")
	u, err := c.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if u.ID != "u1" || u.Name != "Ana" || u.Handle != "ana" {
		t.Fatalf("user = %+v", u)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotTrace != "trace-1" {
		t.Errorf("%s = %q", trace.HeaderName, gotTrace)
	}
}

func TestGetRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"_id":"m1","chat":"c1","sender":"u1","content":"hi","createdAt":"2024-01-01T00:00:00Z"}]}`))
	}))

	msgs, err := c.Messages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if len(msgs) != 1 || msgs[0].Sender.ID != "u1" || msgs[0].ConversationID != "c1" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGetDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"chat not found"}`))
	}))

	_, err := c.Conversation(context.Background(), "missing")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Message != "chat not found" {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestMutationsNeverRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	if _, err := c.Capture(context.Background(), "m1", "ord-1"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestUnauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.Me(context.Background())
	if !IsUnauthorized(err) {
		t.Fatalf("IsUnauthorized(%v) = false", err)
	}
}

func TestMilestoneRoutes(t *testing.T) {
	type call struct{ method, path string }
	var got []call
	var captureBody map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, call{r.Method, r.URL.Path})
		switch r.URL.Path {
		case "/milestones/c1":
			_, _ = w.Write([]byte(`[{"_id":"m1","chat":"c1","price":150,"status":"pending"}]`))
		case "/payments/milestones/m1/create-order":
			_, _ = w.Write([]byte(`{"redirectUrl":"https://pay.example/approve?token=t1","orderId":"t1"}`))
		case "/payments/milestones/m1/capture":
			_ = json.NewDecoder(r.Body).Decode(&captureBody)
			// 部分后端包一层 {"milestone": ...}
			_, _ = w.Write([]byte(`{"milestone":{"_id":"m1","chat":"c1","status":"in_progress","buyerPaid":true}}`))
		default:
			_, _ = w.Write([]byte(`{"_id":"m1","chat":"c1","status":"in_progress"}`))
		}
	}))
	ctx := context.Background()

	list, err := c.Milestones(ctx, "c1")
	if err != nil || len(list) != 1 || !list[0].Price.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("Milestones = %+v, %v", list, err)
	}
	if _, err := c.CreateMilestone(ctx, "c1", model.MilestoneDraft{Title: "Logo", Price: decimal.NewFromInt(150)}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AgreeMilestone(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	order, err := c.CreateOrder(ctx, "m1")
	if err != nil || order.RedirectURL == "" || order.OrderID != "t1" {
		t.Fatalf("CreateOrder = %+v, %v", order, err)
	}
	m, err := c.Capture(ctx, "m1", "t1")
	if err != nil || !m.BuyerPaid || m.ID != "m1" {
		t.Fatalf("Capture = %+v, %v", m, err)
	}
	if captureBody["orderId"] != "t1" {
		t.Errorf("capture body = %v", captureBody)
	}
	if _, err := c.MarkCompleted(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Release(ctx, "m1"); err != nil {
		t.Fatal(err)
	}

	want := []call{
		{http.MethodGet, "/milestones/c1"},
		{http.MethodPost, "/milestones/c1/new"},
		{http.MethodPost, "/milestones/m1/agree"},
		{http.MethodPost, "/payments/milestones/m1/create-order"},
		{http.MethodPost, "/payments/milestones/m1/capture"},
		{http.MethodPatch, "/milestones/m1/complete"},
		{http.MethodPost, "/payments/milestones/m1/confirm"},
	}
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDoWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n int
	_, err := DoWithRetry(ctx, 5, time.Hour, func() (int, error) {
		n++
		cancel()
		return http.StatusServiceUnavailable, errors.New("unavailable")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if n != 1 {
		t.Fatalf("attempts = %d", n)
	}
}
