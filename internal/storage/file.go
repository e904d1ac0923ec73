package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	fileExt    = ".kv"
	tempPrefix = ".tmp-"
)

// envelope is the on-disk record; the writer id travels with the value so watchers in
// other processes can attribute the change.
type envelope struct {
	Source string `json:"source,omitempty"`
	Value  string `json:"value"`
}

// FileStore keeps one file per key in a directory and watches the directory, so any
// process sharing the directory is notified of writes made by the others.
type FileStore struct {
	dir     string
	watcher *fsnotify.Watcher
	hub     *hub
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenFileStore creates dir if needed and starts watching it.
func OpenFileStore(dir string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	fs := &FileStore{
		dir:     dir,
		watcher: watcher,
		hub:     newHub(o.bufferSize, o.logger),
		logger:  o.logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go fs.run()
	return fs, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+fileExt)
}

func keyFromPath(p string) (string, bool) {
	name := filepath.Base(p)
	if strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *FileStore) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FileStore) read(key string) (envelope, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, true, nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	if f.isClosed() {
		return "", false, ErrClosed
	}
	env, ok, err := f.read(key)
	return env.Value, ok, err
}

// Set writes through a temp file and rename so readers never see a partial value.
func (f *FileStore) Set(ctx context.Context, key, value string) error {
	if f.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(envelope{Source: SourceFrom(ctx), Value: value})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *FileStore) Remove(_ context.Context, key string) error {
	if f.isClosed() {
		return ErrClosed
	}
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	return f.hub.subscribe(ctx)
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
	f.hub.close()
	return f.watcher.Close()
}

// run translates filesystem notifications into store events. Own writes are reported
// too; consumers filter them by Source.
func (f *FileStore) run() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handle(event)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file store watcher error", zap.String("dir", f.dir), zap.Error(err))
		}
	}
}

func (f *FileStore) handle(event fsnotify.Event) {
	key, ok := keyFromPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		f.hub.publish(Event{Key: key, Deleted: true})
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		env, ok, err := f.read(key)
		if err != nil {
			f.logger.Warn("unreadable value in file store", zap.String("key", key), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		f.hub.publish(Event{Key: key, Value: env.Value, Source: env.Source})
	}
}
