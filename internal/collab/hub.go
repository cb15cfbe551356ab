// Package collab implements the shared-screen session protocol:
// operators lock the article they are triaging and every connected
// client hears about locks, status changes, and removals live.
package collab

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// LockStore persists article lock ownership.
type LockStore interface {
	SetArticleLock(ctx context.Context, externalID, operator string) error
	ClearArticleLock(ctx context.Context, externalID, operator string) (bool, error)
}

// Event is the wire format in both directions. Incoming types are
// join-news, leave-news, status-updated, and news-deleted; outgoing
// types are news-locked, news-unlocked, news-status-changed, and
// news-removed.
type Event struct {
	Type      string `json:"type"`
	ArticleID string `json:"articleId,omitempty"`
	Username  string `json:"username,omitempty"`
	Status    string `json:"status,omitempty"`
}

const sendBuffer = 16

type session struct {
	id       string
	username string
	send     chan Event

	mu      sync.Mutex
	article string
}

func (s *session) heldArticle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.article
}

func (s *session) setArticle(id string) {
	s.mu.Lock()
	s.article = id
	s.mu.Unlock()
}

// Hub owns every live websocket session and routes lock traffic
// between them and the store.
type Hub struct {
	store LockStore
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHub constructs an empty hub.
func NewHub(store LockStore, log *slog.Logger) *Hub {
	return &Hub{store: store, log: log, sessions: make(map[string]*session)}
}

// SessionCount reports the number of connected operators.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// broadcast fans an event out to every session except the one named by
// exceptID ("" means everyone). Slow consumers drop events instead of
// blocking the hub.
func (h *Hub) broadcast(exceptID string, evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		if id == exceptID {
			continue
		}
		select {
		case s.send <- evt:
		default:
			h.log.Warn("dropping event for slow session", "session", id, "type", evt.Type)
		}
	}
}

// BroadcastStatusChanged tells every client an article moved through
// the triage lifecycle. Exposed so HTTP handlers can announce changes
// they made outside the socket.
func (h *Hub) BroadcastStatusChanged(articleID, status, username string) {
	h.broadcast("", Event{Type: "news-status-changed", ArticleID: articleID, Status: status, Username: username})
}

// BroadcastRemoved tells every client an article was soft-deleted.
func (h *Hub) BroadcastRemoved(articleID string) {
	h.broadcast("", Event{Type: "news-removed", ArticleID: articleID})
}

// ServeWS upgrades the request and runs the session until the client
// goes away. The operator name rides in the "username" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}

	s := &session{
		id:       uuid.New().String(),
		username: r.URL.Query().Get("username"),
		send:     make(chan Event, sendBuffer),
	}
	h.register(s)
	h.log.Info("operator connected", "session", s.id, "username", s.username)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-s.send:
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var evt Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			break
		}
		h.handleEvent(ctx, s, evt)
	}

	h.disconnect(s)
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

func (h *Hub) handleEvent(ctx context.Context, s *session, evt Event) {
	switch evt.Type {
	case "join-news":
		h.join(ctx, s, evt)
	case "leave-news":
		h.leave(ctx, s, evt)
	case "status-updated":
		h.broadcast("", Event{Type: "news-status-changed", ArticleID: evt.ArticleID, Status: evt.Status, Username: evt.Username})
	case "news-deleted":
		h.broadcast("", Event{Type: "news-removed", ArticleID: evt.ArticleID})
	default:
		h.log.Warn("unknown socket event", "session", s.id, "type", evt.Type)
	}
}

// join takes the lock unconditionally: the protocol is cooperative and
// the most recent joiner wins, which is what a shared screen needs.
func (h *Hub) join(ctx context.Context, s *session, evt Event) {
	username := evt.Username
	if username == "" {
		username = s.username
	}
	if evt.ArticleID == "" || username == "" {
		return
	}

	if err := h.store.SetArticleLock(ctx, evt.ArticleID, username); err != nil {
		h.log.Error("lock article failed", "article", evt.ArticleID, "error", err)
		return
	}
	s.setArticle(evt.ArticleID)
	h.broadcast(s.id, Event{Type: "news-locked", ArticleID: evt.ArticleID, Username: username})
}

// leave releases the lock only if this operator still owns it, then
// announces the unlock either way so stale client state clears.
func (h *Hub) leave(ctx context.Context, s *session, evt Event) {
	username := evt.Username
	if username == "" {
		username = s.username
	}
	if evt.ArticleID == "" {
		return
	}

	if _, err := h.store.ClearArticleLock(ctx, evt.ArticleID, username); err != nil {
		h.log.Error("unlock article failed", "article", evt.ArticleID, "error", err)
		return
	}
	s.setArticle("")
	h.broadcast(s.id, Event{Type: "news-unlocked", ArticleID: evt.ArticleID})
}

// disconnect releases whatever the session still held. The unlock is
// owner-checked and only broadcast when it actually released, so a
// lock someone else took over in the meantime stays put.
func (h *Hub) disconnect(s *session) {
	h.unregister(s.id)
	h.log.Info("operator disconnected", "session", s.id, "username", s.username)

	article := s.heldArticle()
	if article == "" || s.username == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed, err := h.store.ClearArticleLock(ctx, article, s.username)
	if err != nil {
		h.log.Error("disconnect unlock failed", "article", article, "error", err)
		return
	}
	if changed {
		h.broadcast("", Event{Type: "news-unlocked", ArticleID: article})
	}
}
