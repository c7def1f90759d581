package notify

import (
	"encoding/json"
	"strings"
	"time"
)

// Type classifies a notification. The set is closed; anything the backend
// sends outside of it collapses to TypeSystem.
type Type string

const (
	TypeJobApplication Type = "job_application"
	TypeJobPosted      Type = "job_posted"
	TypeMessage        Type = "message"
	TypeConnection     Type = "connection"
	TypeReview         Type = "review"
	TypePayment        Type = "payment"
	TypeSystem         Type = "system"
)

// ParseType maps a wire value onto the closed enum.
func ParseType(raw string) Type {
	switch Type(strings.TrimSpace(raw)) {
	case TypeJobApplication, TypeJobPosted, TypeMessage, TypeConnection, TypeReview, TypePayment, TypeSystem:
		return Type(strings.TrimSpace(raw))
	default:
		return TypeSystem
	}
}

// Action tags what happened to a notification as it moves through the
// subsystem: a fresh push, an in-place update, a removal, or a bulk
// server-side state change.
type Action string

const (
	ActionNew        Action = "new"
	ActionUpdated    Action = "updated"
	ActionDeleted    Action = "deleted"
	ActionBulkUpdate Action = "bulk-update"
)

// Notification is the sole entity of the subsystem. CreatedAt is used for
// ordering and display only, never for conflict resolution. Metadata is
// opaque and passed through unchanged.
type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      Type           `json:"type"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
	ActionURL string         `json:"actionUrl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// wireNotification tolerates the two transport spellings the backend uses:
// the realtime channel sends `id`/`read`, the REST layer leaks the
// database-assigned `_id` and an `isRead` flag. CreatedAt arrives as
// ISO-8601 or as an epoch number.
type wireNotification struct {
	ID        string          `json:"id"`
	MongoID   string          `json:"_id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Read      *bool           `json:"read"`
	IsRead    *bool           `json:"isRead"`
	CreatedAt json.RawMessage `json:"createdAt"`
	ActionURL string          `json:"actionUrl"`
	Metadata  map[string]any  `json:"metadata"`
}

// DecodeWire unifies a raw payload into the canonical Notification shape.
// This is the only place field-name variance is resolved; downstream code
// never branches on which spelling was present.
func DecodeWire(raw []byte) (Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(raw, &w); err != nil {
		return Notification{}, err
	}
	return w.canonical(), nil
}

func (w wireNotification) canonical() Notification {
	n := Notification{
		Title:     w.Title,
		Message:   w.Message,
		Type:      ParseType(w.Type),
		ActionURL: w.ActionURL,
		Metadata:  w.Metadata,
	}
	n.ID = strings.TrimSpace(w.ID)
	if n.ID == "" {
		n.ID = strings.TrimSpace(w.MongoID)
	}
	switch {
	case w.Read != nil:
		n.Read = *w.Read
	case w.IsRead != nil:
		n.Read = *w.IsRead
	}
	n.CreatedAt = decodeTimestamp(w.CreatedAt)
	return n
}

// decodeTimestamp accepts RFC 3339 strings and epoch numbers (seconds or
// milliseconds). Unparseable values yield the zero time; ordering falls back
// to arrival order in that case.
func decodeTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, asString); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, asString); err == nil {
			return ts
		}
		return time.Time{}
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber <= 0 {
			return time.Time{}
		}
		// Values past the year 2603 in seconds are taken as milliseconds.
		if asNumber > 2e10 {
			return time.UnixMilli(int64(asNumber)).UTC()
		}
		return time.Unix(int64(asNumber), 0).UTC()
	}
	return time.Time{}
}
