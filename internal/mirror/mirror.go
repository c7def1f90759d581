// Package mirror keeps an advisory durable copy of the notification store so
// state survives a restart. The copy is rehydrated once at startup, before
// the first authoritative fetch, and overwritten unconditionally by every
// subsequent store change; it is never treated as authoritative on conflict.
package mirror

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/notify"
)

// Backend persists and restores the serialized collection. Implementations
// overwrite the whole snapshot on every save; no partial-write semantics are
// required since the mirror is advisory.
type Backend interface {
	Load() ([]notify.Notification, error)
	Save(list []notify.Notification) error
}

type backendCloser interface {
	Close() error
}

// Mirror observes the store and writes every change through its backend.
type Mirror struct {
	backend Backend
	store   *notify.Store
	log     *logrus.Entry

	mu          sync.Mutex
	unsubscribe func()
}

func New(backend Backend, store *notify.Store, log *logrus.Logger) *Mirror {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mirror{
		backend: backend,
		store:   store,
		log:     log.WithField("component", "mirror"),
	}
}

// Rehydrate seeds the store from the persisted copy. Call before Attach so
// the load itself is not written straight back. Failures are logged and the
// store starts empty; the next reconciliation heals it.
func (m *Mirror) Rehydrate() {
	list, err := m.backend.Load()
	if err != nil {
		m.log.Warnf("rehydrate failed: %v", err)
		return
	}
	if len(list) == 0 {
		return
	}
	m.store.SetAll(list)
}

// Attach subscribes to the store; every committed change is serialized
// synchronously, so the mirror never lags behind by more than the update
// being applied. Idempotent.
func (m *Mirror) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.store.Subscribe(func(notify.Change) {
		if err := m.backend.Save(m.store.List()); err != nil {
			m.log.Warnf("save failed: %v", err)
		}
	})
}

// Detach stops mirroring. Idempotent.
func (m *Mirror) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Close detaches and releases the backend if it holds resources.
func (m *Mirror) Close() error {
	m.Detach()
	if closer, ok := m.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

// JSONFileBackend stores the collection as one JSON array in a local file,
// replaced atomically on every save.
type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() ([]notify.Notification, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var list []notify.Notification
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", b.Path)
	}
	return list, nil
}

func (b *JSONFileBackend) Save(list []notify.Notification) error {
	if b == nil || b.Path == "" {
		return nil
	}
	if list == nil {
		list = []notify.Notification{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
