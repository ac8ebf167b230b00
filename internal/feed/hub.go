// Package feed fans exchange artifacts out to websocket subscribers per
// scope.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/middleware"
)

// Op is the kind of artifact operation.
type Op string

const (
	OpUpsert  Op = "upsert"
	OpDelete  Op = "delete"
	OpNotify  Op = "notify"
	OpTyping  Op = "typing"
	OpPreview Op = "preview"
)

// Message is one feed frame.
type Message struct {
	Op         Op                     `json:"op"`
	ArtifactID string                 `json:"artifact_id,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Proposal   *domain.TicketProposal `json:"proposal,omitempty"`
	Decisions  []domain.Decision      `json:"decisions,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Subscription receives messages for one scope until Close.
type Subscription struct {
	C     <-chan Message
	ch    chan Message
	hub   *Hub
	scope string
	once  sync.Once
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub tracks feed subscribers per scope.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	origins middleware.OriginPolicy
	allowed []string
	isDev   bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewHub creates an empty hub accepting browser connections from
// allowedOrigins. Development mode accepts any origin.
func NewHub(allowedOrigins []string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		origins: middleware.NewOriginPolicy(allowedOrigins),
		allowed: allowedOrigins,
		isDev:   isDev,
		logger:  logger,
		now:     time.Now,
	}
}

// Subscribe registers a buffered subscriber for scope.
func (h *Hub) Subscribe(scope string) *Subscription {
	ch := make(chan Message, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, scope: scope}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[scope]; !ok {
		h.subs[scope] = make(map[*Subscription]struct{})
	}
	h.subs[scope][sub] = struct{}{}
	h.logger.Debug("Feed subscriber registered", "scope", scope)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.scope]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.scope)
		}
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscribers for scope.
func (h *Hub) Subscribers(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scope])
}

// Publish delivers msg to every subscriber of scope. Slow subscribers miss
// messages rather than block the exchange.
func (h *Hub) Publish(scope string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[scope] {
		select {
		case sub.ch <- msg:
		default:
			h.logger.Debug("Feed subscriber lagging, dropping message", "scope", scope, "op", msg.Op)
		}
	}
}

// ServeScope upgrades the request to a websocket streaming scope's feed.
func (h *Hub) ServeScope(w http.ResponseWriter, r *http.Request, scope string) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "scope", scope)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "scope", scope)
		}
	}()

	sub := h.Subscribe(scope)
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	h.logger.Info("Feed connected", "scope", scope, "ip", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Feed disconnected", "scope", scope)
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, msg); err != nil {
				if ctx.Err() == nil {
					h.logger.Warn("Feed write failed", "error", err, "scope", scope)
				}
				return
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if ok, _ := h.origins.Allows(origin); ok {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowed)
	return false
}

func (h *Hub) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
