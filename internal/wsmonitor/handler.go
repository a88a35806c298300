package wsmonitor

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated loopback requests into monitor connections.
type Handler struct {
	hub   *Hub
	token string
}

// NewHandler builds a Handler gated by the same bearer token the
// approval server's REST API uses.
func NewHandler(hub *Hub, token string) *Handler {
	return &Handler{hub: hub, token: token}
}

// ServeHTTP upgrades the connection after checking a bearer token or
// ?token= query parameter, then hands the connection to the hub until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.hub.Register(conn)

	go func() {
		defer h.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}
