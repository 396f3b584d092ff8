package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jbelanger/exitbook-sub013/internal/events"
)

func TestHubDeliversPipelineEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	go hub.Run()

	r := gin.New()
	r.GET("/stream", hub.Subscribe)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	// re-broadcast until the subscriber registration has settled
	go func() {
		for time.Now().Before(deadline) {
			hub.Broadcast(events.Event{
				Type:      events.StageStarted,
				Timestamp: time.Now().UTC(),
				Fields:    map[string]any{"stage": "import"},
			})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	if ev.Type != events.StageStarted {
		t.Errorf("event type = %s, want %s", ev.Type, events.StageStarted)
	}
	if ev.Fields["stage"] != "import" {
		t.Errorf("fields = %v", ev.Fields)
	}
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub() // no Run loop: nothing drains the queue
	done := make(chan struct{})
	go func() {
		for i := 0; i < streamQueueDepth*2; i++ {
			hub.Broadcast(events.Event{Type: events.StageProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no consumer")
	}
}

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestAuthMiddleware(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		status int
	}{
		{"no token configured", "", "", http.StatusOK},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"malformed header", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusForbidden},
		{"valid token", "s3cret", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("EXITBOOK_API_TOKEN", tc.token)
			r := authRouter()
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(60, 2).Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	status := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if got := status(); got != http.StatusOK {
		t.Fatalf("first request = %d", got)
	}
	if got := status(); got != http.StatusOK {
		t.Fatalf("second request = %d", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-burst request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("rejection must carry a Retry-After hint")
	}

	// a different client has its own bucket
	other := httptest.NewRequest(http.MethodGet, "/ping", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, other)
	if w2.Code != http.StatusOK {
		t.Errorf("independent client = %d, want 200", w2.Code)
	}
}
