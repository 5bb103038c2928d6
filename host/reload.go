package host

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"go-ssr/protocol"
)

// ReloadEvent is what browsers receive on the reload socket.
type ReloadEvent struct {
	Type   protocol.Type          `json:"type"`
	Result *protocol.ImportResult `json:"result,omitempty"`
	Source string                 `json:"source,omitempty"`
}

type reloadClient struct {
	send chan ReloadEvent
}

// ReloadHub relays worker events to browsers over websockets. When a secret
// is configured, clients must present an HS256 token, either as a bearer
// Authorization header or as the token query parameter.
type ReloadHub struct {
	mu      sync.RWMutex
	clients map[*reloadClient]struct{}

	secret   []byte
	upgrader websocket.Upgrader
}

func NewReloadHub(jwtSecret string) *ReloadHub {
	return &ReloadHub{
		clients: make(map[*reloadClient]struct{}),
		secret:  []byte(jwtSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Development server: pages may be served from any local origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *ReloadHub) subscribe() *reloadClient {
	c := &reloadClient{send: make(chan ReloadEvent, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	ReloadClients.Inc()
	return c
}

func (h *ReloadHub) unsubscribe(c *reloadClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	ReloadClients.Dec()
}

// Len returns the number of connected clients.
func (h *ReloadHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends ev to every client. Slow clients miss events.
func (h *ReloadHub) Publish(ev ReloadEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

// Forward publishes every event from events until it closes or ctx ends.
func (h *ReloadHub) Forward(ctx context.Context, events <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			closeStream(m)
			h.Publish(ReloadEvent{Type: m.Type, Result: m.Result, Source: m.Source})
		}
	}
}

func (h *ReloadHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[reload] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	client := h.subscribe()
	defer h.unsubscribe(client)

	// writer goroutine
	go func() {
		for ev := range client.send {
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[reload] write error: %v", err)
				return
			}
		}
	}()

	// Browsers never send anything meaningful; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				log.Printf("[reload] read error: %v", err)
			}
			return
		}
	}
}

func (h *ReloadHub) authenticate(r *http.Request) error {
	if len(h.secret) == 0 {
		return nil
	}

	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if token == "" {
		return errors.New("missing token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}
