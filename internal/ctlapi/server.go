// Package ctlapi is the local control surface of the daemon: read accessors
// for the collection, the four pessimistic mutations, a resync trigger, and
// a change stream for UI processes on the same machine.
package ctlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/notify"
	"github.com/hireloop/notisync/internal/realtime"
)

// Mutator is the coordinator's contract: server first, store on success.
type Mutator interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

// Refresher triggers an immediate reconciliation.
type Refresher interface {
	RefreshNow()
}

// Channel reports realtime channel health.
type Channel interface {
	Status() realtime.Status
	Attempts() int
	ForceReconnect()
}

type Server struct {
	store     *notify.Store
	mutations Mutator
	refresher Refresher
	channel   Channel
	log       *logrus.Entry
}

func NewServer(store *notify.Store, mutations Mutator, refresher Refresher, channel Channel, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		store:     store,
		mutations: mutations,
		refresher: refresher,
		channel:   channel,
		log:       log.WithField("component", "ctlapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w)
		return
	}
	if r.URL.Path == "/v1/sync" && r.Method == http.MethodPost {
		s.refresher.RefreshNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
		return
	}
	if r.URL.Path == "/v1/reconnect" && r.Method == http.MethodPost {
		s.channel.ForceReconnect()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}
	if r.URL.Path == "/v1/notifications/unread-count" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]int{"count": s.store.UnreadCount()})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "notifications" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleList(w)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleMutation(w, r, func(ctx context.Context) error { return s.mutations.ClearAll(ctx) })
	case len(parts) == 3 && parts[2] == "read-all" && r.Method == http.MethodPost:
		s.handleMutation(w, r, func(ctx context.Context) error { return s.mutations.MarkAllRead(ctx) })
	case len(parts) == 3 && r.Method == http.MethodDelete:
		id := parts[2]
		s.handleMutation(w, r, func(ctx context.Context) error { return s.mutations.Delete(ctx, id) })
	case len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPost:
		id := parts[2]
		s.handleMutation(w, r, func(ctx context.Context) error { return s.mutations.MarkRead(ctx, id) })
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleList(w http.ResponseWriter) {
	response := map[string]any{
		"notifications": s.store.List(),
		"unreadCount":   s.store.UnreadCount(),
		"loading":       s.store.Loading(),
	}
	if err := s.store.Err(); err != nil {
		response["lastError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	response := map[string]any{
		"channel":     string(s.channel.Status()),
		"attempts":    s.channel.Attempts(),
		"unreadCount": s.store.UnreadCount(),
		"count":       s.store.Len(),
		"loading":     s.store.Loading(),
	}
	if err := s.store.Err(); err != nil {
		response["lastError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// handleMutation runs one pessimistic mutation. A server rejection maps to
// 502 with the underlying message; the store is untouched in that case.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	if err := op(r.Context()); err != nil {
		s.log.Warnf("mutation failed: %v", err)
		writeError(w, http.StatusBadGateway, "mutation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"unreadCount": s.store.UnreadCount(),
	})
}

type streamEvent struct {
	Notification *notify.Notification `json:"notification,omitempty"`
	Action       notify.Action        `json:"action"`
}

// handleEvents streams store changes as server-sent events until the client
// goes away. Slow consumers drop changes rather than stall the store; the
// next full read heals them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}
	changes := make(chan notify.Change, 64)
	unsubscribe := s.store.Subscribe(func(change notify.Change) {
		select {
		case changes <- change:
		default:
		}
	})
	defer unsubscribe()

	// Subscribed before the headers go out, so a client that has seen the
	// response start will not miss changes.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case change := <-changes:
			event := streamEvent{Action: change.Action}
			if change.Notification.ID != "" {
				n := change.Notification
				event.Notification = &n
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
