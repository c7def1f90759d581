package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Push event names the realtime channel delivers. Lifecycle events carry a
// notification-shaped payload; domain events carry category-specific fields
// and are translated through a fixed template. Anything else is dropped.
const (
	EventNotificationNew     = "notification:new"
	EventNotificationUpdated = "notification:updated"
	EventNotificationDeleted = "notification:deleted"
	EventNotificationBulk    = "notification:bulk_update"
	EventJobApplication      = "job:application_received"
	EventJobPosted           = "job:posted"
	EventMessageReceived     = "message:received"
	EventConnectionRequest   = "connection:request"
	EventConnectionAccepted  = "connection:accepted"
	EventSystemAnnouncement  = "system:announcement"
)

const lifecycleSchema = `{
	"type": "object",
	"anyOf": [
		{"required": ["id"]},
		{"required": ["_id"]}
	],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"_id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"message": {"type": "string"},
		"type": {"type": "string"},
		"read": {"type": "boolean"},
		"isRead": {"type": "boolean"},
		"actionUrl": {"type": "string"},
		"metadata": {"type": "object"}
	}
}`

const bulkSchema = `{"type": "object"}`

var domainSchemas = map[string]string{
	EventJobApplication: `{
		"type": "object",
		"required": ["jobId", "jobTitle"],
		"properties": {
			"jobId": {"type": "string", "minLength": 1},
			"jobTitle": {"type": "string"},
			"applicantName": {"type": "string"}
		}
	}`,
	EventJobPosted: `{
		"type": "object",
		"required": ["jobId", "jobTitle"],
		"properties": {
			"jobId": {"type": "string", "minLength": 1},
			"jobTitle": {"type": "string"},
			"companyName": {"type": "string"}
		}
	}`,
	EventMessageReceived: `{
		"type": "object",
		"required": ["senderName"],
		"properties": {
			"senderName": {"type": "string", "minLength": 1},
			"conversationId": {"type": "string"},
			"preview": {"type": "string"}
		}
	}`,
	EventConnectionRequest: `{
		"type": "object",
		"required": ["userName"],
		"properties": {
			"userId": {"type": "string"},
			"userName": {"type": "string", "minLength": 1}
		}
	}`,
	EventConnectionAccepted: `{
		"type": "object",
		"required": ["userName"],
		"properties": {
			"userId": {"type": "string"},
			"userName": {"type": "string", "minLength": 1}
		}
	}`,
	EventSystemAnnouncement: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"title": {"type": "string"},
			"message": {"type": "string", "minLength": 1}
		}
	}`,
}

// Normalizer converts every inbound push payload into zero-or-one canonical
// Notification plus an action tag. It validates payload shape at this single
// boundary and never mutates the store.
type Normalizer struct {
	schemas map[string]*jsonschema.Schema
	now     func() time.Time
	newID   func() string
}

func NewNormalizer() (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		EventNotificationNew:     lifecycleSchema,
		EventNotificationUpdated: lifecycleSchema,
		EventNotificationDeleted: lifecycleSchema,
		EventNotificationBulk:    bulkSchema,
	}
	for name, src := range domainSchemas {
		sources[name] = src
	}
	schemas := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		url := schemaURL(name)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing schema for %s", name)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, errors.Wrapf(err, "registering schema for %s", name)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling schema for %s", name)
		}
		schemas[name] = sch
	}
	return &Normalizer{
		schemas: schemas,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

func schemaURL(event string) string {
	return "mem://events/" + strings.ReplaceAll(event, ":", "/") + ".json"
}

// Normalize maps an inbound event to a (Notification, Action) pair. The
// third return value is false when the event has no defined template or its
// payload fails validation; such events produce nothing here but may still
// be forwarded to domain-specific subscribers elsewhere.
func (nz *Normalizer) Normalize(event string, payload []byte) (Notification, Action, bool) {
	sch, ok := nz.schemas[event]
	if !ok {
		return Notification{}, "", false
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Notification{}, "", false
	}
	if err := sch.Validate(decoded); err != nil {
		return Notification{}, "", false
	}

	switch event {
	case EventNotificationNew:
		return nz.lifecycle(payload, ActionNew)
	case EventNotificationUpdated:
		return nz.lifecycle(payload, ActionUpdated)
	case EventNotificationDeleted:
		// A deleted payload may carry only an id; the minimal reference is
		// enough for the store to locate and remove the entity.
		return nz.lifecycle(payload, ActionDeleted)
	case EventNotificationBulk:
		return Notification{}, ActionBulkUpdate, true
	default:
		return nz.domain(event, decoded)
	}
}

func (nz *Normalizer) lifecycle(payload []byte, action Action) (Notification, Action, bool) {
	n, err := DecodeWire(payload)
	if err != nil || n.ID == "" {
		return Notification{}, "", false
	}
	return n, action, true
}

func (nz *Normalizer) domain(event string, decoded any) (Notification, Action, bool) {
	fields, _ := decoded.(map[string]any)
	n := Notification{
		ID:        nz.newID(),
		Read:      false,
		CreatedAt: nz.now().UTC(),
		Metadata:  fields,
	}
	switch event {
	case EventJobApplication:
		n.Type = TypeJobApplication
		n.Title = "New job application"
		n.Message = fmt.Sprintf("%s applied to %s", stringField(fields, "applicantName", "Someone"), stringField(fields, "jobTitle", "your job"))
		n.ActionURL = "/jobs/" + stringField(fields, "jobId", "") + "/applications"
	case EventJobPosted:
		n.Type = TypeJobPosted
		n.Title = "New job posted"
		n.Message = fmt.Sprintf("%s posted %s", stringField(fields, "companyName", "A company"), stringField(fields, "jobTitle", "a new job"))
		n.ActionURL = "/jobs/" + stringField(fields, "jobId", "")
	case EventMessageReceived:
		n.Type = TypeMessage
		n.Title = "New message"
		n.Message = fmt.Sprintf("%s sent you a message", stringField(fields, "senderName", "Someone"))
		if conversationID := stringField(fields, "conversationId", ""); conversationID != "" {
			n.ActionURL = "/messages/" + conversationID
		}
	case EventConnectionRequest:
		n.Type = TypeConnection
		n.Title = "Connection request"
		n.Message = fmt.Sprintf("%s wants to connect", stringField(fields, "userName", "Someone"))
		if userID := stringField(fields, "userId", ""); userID != "" {
			n.ActionURL = "/profile/" + userID
		}
	case EventConnectionAccepted:
		n.Type = TypeConnection
		n.Title = "Connection accepted"
		n.Message = fmt.Sprintf("%s accepted your connection request", stringField(fields, "userName", "Someone"))
		if userID := stringField(fields, "userId", ""); userID != "" {
			n.ActionURL = "/profile/" + userID
		}
	case EventSystemAnnouncement:
		n.Type = TypeSystem
		n.Title = stringField(fields, "title", "Announcement")
		n.Message = stringField(fields, "message", "")
	default:
		return Notification{}, "", false
	}
	return n, ActionNew, true
}

func stringField(fields map[string]any, key, fallback string) string {
	if fields == nil {
		return fallback
	}
	value, ok := fields[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
