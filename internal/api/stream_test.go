package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketbot/internal/config"
)

func TestStreamDeliversStatusThenEvents(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := NewStream(logger)
	provider := &fakeProvider{status: Status{State: "scanning_market"}}
	h := NewHandlers(provider, &fakeCycles{}, config.APIConfig{}, stream, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Event
	if _, frame, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read initial frame: %v", err)
	} else if err := json.Unmarshal(frame, &first); err != nil {
		t.Fatalf("unmarshal initial frame: %v", err)
	}
	if first.Type != "status" {
		t.Errorf("first frame type = %q, want status", first.Type)
	}

	stream.Publish(Event{Type: "state", State: "buying"})

	var evt Event
	if _, frame, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read event frame: %v", err)
	} else if err := json.Unmarshal(frame, &evt); err != nil {
		t.Fatalf("unmarshal event frame: %v", err)
	}
	if evt.Type != "state" || evt.State != "buying" {
		t.Errorf("event = %+v, want state/buying", evt)
	}
}

func TestStreamPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	stream := NewStream(slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Must not block or panic with nobody attached.
	stream.Publish(Event{Type: "state", State: "idle"})
}
