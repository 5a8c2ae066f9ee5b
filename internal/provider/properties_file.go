package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/magiconair/properties"
)

const (
	realmMarkerPrefix = "#$REALM_NAME="
	realmMarkerSuffix = "$"
)

var propertiesLoader = &properties.Loader{
	Encoding:         properties.UTF8,
	DisableExpansion: true,
}

// propertiesSnapshot is one parsed version of a properties file.
type propertiesSnapshot struct {
	props     *properties.Properties
	realmName string // value of the #$REALM_NAME=...$ marker, if present
	modTime   time.Time
	size      int64
}

// propertiesFile is a properties file re-read whenever its modification time
// or size changes. A watcher, when started, reloads it as soon as it changes
// on disk.
type propertiesFile struct {
	path     string
	onReload func(ctx context.Context, snap *propertiesSnapshot)

	mu      sync.RWMutex
	current *propertiesSnapshot

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newPropertiesFile(path string, onReload func(context.Context, *propertiesSnapshot)) *propertiesFile {
	return &propertiesFile{
		path:     filepath.Clean(path),
		onReload: onReload,
	}
}

// load returns the current contents, reloading them when the file changed.
func (f *propertiesFile) load(ctx context.Context) (*propertiesSnapshot, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.path, err)
	}

	f.mu.RLock()
	snap := f.current
	f.mu.RUnlock()
	if snap != nil && snap.modTime.Equal(fi.ModTime()) && snap.size == fi.Size() {
		return snap, nil
	}
	return f.reload(ctx)
}

// reload parses the file unconditionally.
func (f *propertiesFile) reload(ctx context.Context) (*propertiesSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.path, err)
	}
	if c := f.current; c != nil && c.modTime.Equal(fi.ModTime()) && c.size == fi.Size() {
		return c, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	props, err := propertiesLoader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}

	snap := &propertiesSnapshot{
		props:     props,
		realmName: realmMarker(data),
		modTime:   fi.ModTime(),
		size:      fi.Size(),
	}
	f.current = snap

	if f.onReload != nil {
		f.onReload(ctx, snap)
	}
	return snap, nil
}

// invalidate forces the next load to re-read the file.
func (f *propertiesFile) invalidate() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
}

// realmMarker returns the name from the first "#$REALM_NAME=name$" line.
func realmMarker(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, realmMarkerPrefix) && strings.HasSuffix(line, realmMarkerSuffix) && len(line) > len(realmMarkerPrefix) {
			return strings.TrimSuffix(strings.TrimPrefix(line, realmMarkerPrefix), realmMarkerSuffix)
		}
	}
	return ""
}

// watch starts reloading the file on change. The directory is watched so
// that files replaced by rename are picked up.
func (f *propertiesFile) watch(ctx context.Context, name string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	f.watcher = watcher
	f.done = make(chan struct{})
	go f.watchLoop(context.WithoutCancel(ctx), name)
	return nil
}

func (f *propertiesFile) watchLoop(ctx context.Context, name string) {
	defer close(f.done)

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			f.invalidate()
			if _, err := f.reload(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
				logError(ctx, name, "Properties reload failed", map[string]any{
					"path":  f.path,
					"error": err.Error(),
				})
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logError(ctx, name, "Properties watcher error", map[string]any{
				"path":  f.path,
				"error": err.Error(),
			})
		}
	}
}

// stop closes the watcher, if any, and waits for it to exit.
func (f *propertiesFile) stop() error {
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	<-f.done
	f.watcher = nil
	return err
}
