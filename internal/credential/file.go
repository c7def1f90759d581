package credential

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FileProvider reads the bearer token from a file and reloads it whenever
// the file changes, so a login performed by the host application becomes
// visible without restarting the daemon. A missing file means no
// credentials, not a failure.
type FileProvider struct {
	path    string
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	creds Credentials
	err   error

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileProvider(path string, log *logrus.Logger) (*FileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating token file watcher")
	}
	// Watch the directory, not the file: editors and login flows typically
	// replace the file via rename, which drops a file-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watching %s", dir)
	}
	p := &FileProvider{
		path:    path,
		log:     log,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	p.reload()
	go p.watch()
	return p, nil
}

func (p *FileProvider) Credentials() (Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return Credentials{}, p.err
	}
	return p.creds, nil
}

func (p *FileProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.watcher.Close()
	})
	return err
}

func (p *FileProvider) watch() {
	target := filepath.Clean(p.path)
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			p.reload()
		case watchErr, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.WithField("component", "credential").Warnf("token file watch error: %v", watchErr)
		}
	}
}

func (p *FileProvider) reload() {
	data, err := os.ReadFile(p.path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			p.creds, p.err = Credentials{}, ErrNoCredentials
			return
		}
		p.creds, p.err = Credentials{}, errors.Wrapf(err, "reading %s", p.path)
		return
	}
	creds, err := FromToken(string(data))
	p.creds, p.err = creds, err
}
