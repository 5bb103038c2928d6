package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"go-ssr/protocol"
)

func dialReload(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	return websocket.DefaultDialer.Dial(url, header)
}

func TestReloadHubForwardsWorkerEvents(t *testing.T) {
	hub := NewReloadHub("")
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dialReload(t, srv, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	eventually(t, "client to subscribe", func() bool { return hub.Len() == 1 })

	events := make(chan protocol.Message, 2)
	events <- protocol.Message{Type: protocol.TypeModuleImport, Result: &protocol.ImportResult{ID: "src/chunk.tsx"}}
	events <- protocol.Message{Type: protocol.ReloadUpdate}
	close(events)
	hub.Forward(context.Background(), events)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second ReloadEvent
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != protocol.TypeModuleImport || first.Result == nil || first.Result.ID != "src/chunk.tsx" {
		t.Fatalf("first event = %+v", first)
	}
	if second.Type != protocol.ReloadUpdate {
		t.Fatalf("second event = %+v", second)
	}

	conn.Close()
	eventually(t, "client to unsubscribe", func() bool { return hub.Len() == 0 })
}

func TestReloadHubRequiresToken(t *testing.T) {
	const secret = "dev-secret"
	hub := NewReloadHub(secret)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	if _, resp, err := dialReload(t, srv, "", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "dev"})
	badToken, _ := bad.SignedString([]byte("other-secret"))
	if _, _, err := dialReload(t, srv, "?token="+badToken, nil); err == nil {
		t.Fatalf("expected rejection for wrongly signed token")
	}

	good := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dev",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := good.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	conn, _, err := dialReload(t, srv, "", http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial with bearer token: %v", err)
	}
	conn.Close()

	conn, _, err = dialReload(t, srv, "?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

func TestReloadHubForwardStopsOnContext(t *testing.T) {
	hub := NewReloadHub("")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Forward(ctx, make(chan protocol.Message))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Forward did not return after cancel")
	}
}
