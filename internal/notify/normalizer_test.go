package notify

import (
	"fmt"
	"testing"
	"time"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	nz, err := NewNormalizer()
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	nz.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	counter := 0
	nz.newID = func() string {
		counter++
		return fmt.Sprintf("generated-%d", counter)
	}
	return nz
}

func TestNormalizeLifecycleEvents(t *testing.T) {
	nz := newTestNormalizer(t)
	payload := []byte(`{"id":"n1","title":"Hi","message":"Hello","type":"message","read":false}`)

	cases := []struct {
		event  string
		action Action
	}{
		{EventNotificationNew, ActionNew},
		{EventNotificationUpdated, ActionUpdated},
		{EventNotificationDeleted, ActionDeleted},
	}
	for _, tc := range cases {
		n, action, ok := nz.Normalize(tc.event, payload)
		if !ok {
			t.Fatalf("%s: expected a normalized notification", tc.event)
		}
		if action != tc.action {
			t.Fatalf("%s: expected action %q, got %q", tc.event, tc.action, action)
		}
		if n.ID != "n1" || n.Type != TypeMessage {
			t.Fatalf("%s: unexpected notification %+v", tc.event, n)
		}
	}
}

func TestNormalizeUnifiesWireSpellings(t *testing.T) {
	nz := newTestNormalizer(t)
	payload := []byte(`{"_id":"abc123","title":"T","message":"M","isRead":true,"type":"payment"}`)

	n, _, ok := nz.Normalize(EventNotificationNew, payload)
	if !ok {
		t.Fatalf("expected payload to normalize")
	}
	if n.ID != "abc123" {
		t.Fatalf("expected _id to map onto id, got %q", n.ID)
	}
	if !n.Read {
		t.Fatalf("expected isRead to map onto read")
	}
	if n.Type != TypePayment {
		t.Fatalf("expected payment type, got %q", n.Type)
	}
}

func TestNormalizeDeletedAcceptsMinimalReference(t *testing.T) {
	nz := newTestNormalizer(t)
	n, action, ok := nz.Normalize(EventNotificationDeleted, []byte(`{"id":"gone"}`))
	if !ok || action != ActionDeleted {
		t.Fatalf("expected minimal deletion payload to normalize, ok=%v action=%q", ok, action)
	}
	if n.ID != "gone" {
		t.Fatalf("expected id gone, got %q", n.ID)
	}
}

func TestNormalizeBulkUpdate(t *testing.T) {
	nz := newTestNormalizer(t)
	n, action, ok := nz.Normalize(EventNotificationBulk, []byte(`{}`))
	if !ok || action != ActionBulkUpdate {
		t.Fatalf("expected bulk update, ok=%v action=%q", ok, action)
	}
	if n.ID != "" {
		t.Fatalf("bulk update carries no entity, got id %q", n.ID)
	}
}

func TestNormalizeDomainEventSynthesizesNotification(t *testing.T) {
	nz := newTestNormalizer(t)
	payload := []byte(`{"jobId":"j1","jobTitle":"Plumber","applicantName":"Dana"}`)

	n, action, ok := nz.Normalize(EventJobApplication, payload)
	if !ok || action != ActionNew {
		t.Fatalf("expected new notification, ok=%v action=%q", ok, action)
	}
	if n.ID == "" {
		t.Fatalf("domain events must get a generated id")
	}
	if n.Type != TypeJobApplication {
		t.Fatalf("expected job_application type, got %q", n.Type)
	}
	if n.Message != "Dana applied to Plumber" {
		t.Fatalf("unexpected message %q", n.Message)
	}
	if n.ActionURL != "/jobs/j1/applications" {
		t.Fatalf("unexpected action url %q", n.ActionURL)
	}
	if n.Read {
		t.Fatalf("synthesized notifications start unread")
	}
	if n.CreatedAt.IsZero() {
		t.Fatalf("synthesized notifications get a timestamp")
	}
	if n.Metadata["jobId"] != "j1" {
		t.Fatalf("payload fields must be carried as metadata, got %v", n.Metadata)
	}
}

func TestNormalizeDomainEventDefaults(t *testing.T) {
	nz := newTestNormalizer(t)
	n, _, ok := nz.Normalize(EventMessageReceived, []byte(`{"senderName":"Ira"}`))
	if !ok {
		t.Fatalf("expected message event to normalize")
	}
	if n.Message != "Ira sent you a message" {
		t.Fatalf("unexpected message %q", n.Message)
	}
	if n.ActionURL != "" {
		t.Fatalf("no conversation id means no action url, got %q", n.ActionURL)
	}
}

func TestNormalizeDropsUnknownEvent(t *testing.T) {
	nz := newTestNormalizer(t)
	if _, _, ok := nz.Normalize("presence:online", []byte(`{"userId":"u1"}`)); ok {
		t.Fatalf("unknown events must be dropped")
	}
}

func TestNormalizeDropsInvalidPayload(t *testing.T) {
	nz := newTestNormalizer(t)
	cases := []struct {
		name    string
		event   string
		payload string
	}{
		{"not json", EventNotificationNew, `{"id":`},
		{"missing id", EventNotificationNew, `{"title":"no id"}`},
		{"empty id", EventNotificationNew, `{"id":""}`},
		{"missing required field", EventJobApplication, `{"jobTitle":"no job id"}`},
		{"wrong type", EventMessageReceived, `{"senderName":42}`},
	}
	for _, tc := range cases {
		if _, _, ok := nz.Normalize(tc.event, []byte(tc.payload)); ok {
			t.Fatalf("%s: expected payload to be dropped", tc.name)
		}
	}
}

func TestDecodeWireTimestamps(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    time.Time
	}{
		{"rfc3339", `{"id":"a","createdAt":"2026-03-01T09:30:00Z"}`, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		{"epoch seconds", `{"id":"a","createdAt":1772357400}`, time.Unix(1772357400, 0).UTC()},
		{"epoch millis", `{"id":"a","createdAt":1772357400000}`, time.UnixMilli(1772357400000).UTC()},
		{"garbage", `{"id":"a","createdAt":"yesterday"}`, time.Time{}},
		{"absent", `{"id":"a"}`, time.Time{}},
	}
	for _, tc := range cases {
		n, err := DecodeWire([]byte(tc.payload))
		if err != nil {
			t.Fatalf("%s: DecodeWire: %v", tc.name, err)
		}
		if !n.CreatedAt.Equal(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, n.CreatedAt)
		}
	}
}

func TestParseTypeCollapsesUnknown(t *testing.T) {
	if got := ParseType("job_posted"); got != TypeJobPosted {
		t.Fatalf("expected job_posted, got %q", got)
	}
	if got := ParseType("surprise"); got != TypeSystem {
		t.Fatalf("unknown types collapse to system, got %q", got)
	}
	if got := ParseType(""); got != TypeSystem {
		t.Fatalf("empty type collapses to system, got %q", got)
	}
}
