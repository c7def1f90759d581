package syncer

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/notify"
)

// Dispatcher connects the realtime channel to the store: every inbound frame
// runs through the normalizer and, when a template matches, is applied as
// the corresponding store action. Events without a template are ignored
// here; domain-specific subscribers may still consume them upstream.
type Dispatcher struct {
	store      *notify.Store
	normalizer *notify.Normalizer
	log        *logrus.Entry
}

func NewDispatcher(store *notify.Store, normalizer *notify.Normalizer, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		store:      store,
		normalizer: normalizer,
		log:        log.WithField("component", "dispatch"),
	}
}

// HandleEvent is registered as the realtime event handler.
func (d *Dispatcher) HandleEvent(event string, payload json.RawMessage) {
	n, action, ok := d.normalizer.Normalize(event, payload)
	if !ok {
		return
	}
	switch action {
	case notify.ActionNew, notify.ActionUpdated:
		// Add deduplicates by id, so a replayed event updates in place.
		d.store.Add(n)
	case notify.ActionDeleted:
		d.store.Delete(n.ID)
	case notify.ActionBulkUpdate:
		d.store.MarkAllRead()
	default:
		d.log.Debugf("unhandled action %q for event %s", action, event)
	}
}
