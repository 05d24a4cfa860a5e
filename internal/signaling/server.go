package signaling

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the air: every connected radio hears every advertisement, and
// directed messages are relayed to their recipient.
type Hub struct {
	pin      string
	listener net.Listener

	mu      sync.Mutex
	radios  map[string]*hubConn
	adverts map[string]Message
}

// hubConn serializes writes to one radio's WebSocket.
type hubConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hubConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// NewHub creates a hub that admits radios presenting pin.
func NewHub(pin string) *Hub {
	return &Hub{
		pin:     pin,
		radios:  make(map[string]*hubConn),
		adverts: make(map[string]Message),
	}
}

// Handler returns the hub's HTTP handler, serving /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// Listen serves the hub on addr (":0" picks a port) and returns the port.
func (h *Hub) Listen(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start air hub: %w", err)
	}
	h.listener = listener

	go func() {
		_ = http.Serve(listener, h.Handler())
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close stops accepting radios and disconnects the ones attached.
func (h *Hub) Close() {
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.radios {
		c.conn.Close()
	}
}

// Radios returns the number of attached radios.
func (h *Hub) Radios() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.radios)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != h.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}
	address := r.URL.Query().Get("addr")
	if address == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	_, taken := h.radios[address]
	h.mu.Unlock()
	if taken {
		http.Error(w, "address in use", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubConn{conn: conn}

	h.mu.Lock()
	if _, taken := h.radios[address]; taken {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "address in use"))
		conn.Close()
		return
	}
	h.radios[address] = c
	adverts := make([]Message, 0, len(h.adverts))
	for _, adv := range h.adverts {
		adverts = append(adverts, adv)
	}
	h.mu.Unlock()

	util.LogPeer(address, "radio attached to air")
	for _, adv := range adverts {
		_ = c.send(adv)
	}

	h.serve(address, c)
}

// serve relays one radio's messages until its socket closes.
func (h *Hub) serve(address string, c *hubConn) {
	defer func() {
		h.mu.Lock()
		delete(h.radios, address)
		delete(h.adverts, address)
		h.mu.Unlock()
		c.conn.Close()
		util.LogPeer(address, "radio left air")
		h.broadcast(address, Message{Type: MsgTypePeerGone, From: address})
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = address

		switch {
		case msg.Type == MsgTypeAdvertise:
			h.mu.Lock()
			h.adverts[address] = msg
			h.mu.Unlock()
			h.broadcast(address, msg)

		case msg.Type == MsgTypeUnadvertise:
			h.mu.Lock()
			delete(h.adverts, address)
			h.mu.Unlock()
			h.broadcast(address, msg)

		case msg.directed():
			h.mu.Lock()
			dst := h.radios[msg.To]
			h.mu.Unlock()
			if dst == nil {
				util.LogPeer(address, "%s for unknown radio %q dropped", msg.Type, msg.To)
				continue
			}
			if err := dst.send(msg); err != nil {
				util.LogPeer(msg.To, "relay failed: %v", err)
			}
		}
	}
}

// broadcast sends msg to every radio except from.
func (h *Hub) broadcast(from string, msg Message) {
	h.mu.Lock()
	targets := make(map[string]*hubConn, len(h.radios))
	for addr, c := range h.radios {
		if addr != from {
			targets[addr] = c
		}
	}
	h.mu.Unlock()

	for addr, c := range targets {
		if err := c.send(msg); err != nil {
			util.LogPeer(addr, "broadcast failed: %v", err)
		}
	}
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
