package events_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/curvelaunch/graduation-engine/internal/events"
	"github.com/curvelaunch/graduation-engine/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// rebroadcast keeps sending ev until the returned stop func is called.
// Registration is asynchronous relative to the dial, so a single send can
// land before the client is in the hub's set.
func rebroadcast(hub *events.Hub, ev model.Event) func() {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				hub.Broadcast(ev)
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()
	return func() { close(done) }
}

func TestHubBroadcast(t *testing.T) {
	hub := events.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	ev := model.Event{
		ID:        "ev-1",
		Seq:       1,
		Type:      events.TypeGraduated,
		Subject:   "0xaaa",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	stop := rebroadcast(hub, ev)
	defer stop()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != ev.ID || got.Type != ev.Type || got.Subject != ev.Subject {
		t.Errorf("broadcast event = %+v, want %+v", got, ev)
	}
}

// A dead client is evicted during broadcast while live clients keep
// receiving.
func TestHubEvictsDeadClient(t *testing.T) {
	hub := events.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	dead := dialHub(t, srv)
	live := dialHub(t, srv)
	defer live.Close()

	dead.Close()

	stop := rebroadcast(hub, model.Event{ID: "ev", Type: events.TypeGraduated})
	defer stop()

	live.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := live.ReadMessage(); err != nil {
		t.Fatalf("live client read: %v", err)
	}
}
