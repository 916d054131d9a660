package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzanin/voxbridge/internal/session"
)

func TestManagedConnectDeliversImmediateSessionCreated(t *testing.T) {
	// The service sends session.created before the client says anything. The
	// event must survive the window between dial and callback registration.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"session.created","event_id":"e1","session":{"id":"sess_7","model":"gpt-4o-realtime"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	m := NewManagedClient(Config{
		Endpoint:    srv.URL,
		Deployment:  "gpt-4o-realtime",
		APIVersion:  "2025-04-01-preview",
		APIKey:      "key",
		DialTimeout: 2 * time.Second,
	})
	if err := m.Connect(context.Background(), ConnectOptions{Kind: session.KindPlainModel}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	ev := nextEvent(t, m.Events())
	created, ok := ev.(SessionCreated)
	if !ok {
		t.Fatalf("first event = %T, want SessionCreated", ev)
	}
	if created.SessionID != "sess_7" || created.Model != "gpt-4o-realtime" {
		t.Fatalf("SessionCreated = %+v", created)
	}
}
