// Package secrets loads webhook signing secrets from an operator-managed
// file and keeps them fresh as the file changes on disk. File entries
// override whatever secret a channel row carries, so secrets can rotate
// without a deploy or a database write.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChannelSecret holds the credentials for one channel, keyed in the file
// by "platform/platform_channel_id".
type ChannelSecret struct {
	AppSecret   string `yaml:"app_secret"`
	VerifyToken string `yaml:"verify_token"`
}

type secretsFile struct {
	Channels map[string]ChannelSecret `yaml:"channels"`
}

// Store serves channel secrets from the file, reloading on change. A
// store with no path is valid and always misses, leaving database
// secrets in charge.
type Store struct {
	path     string
	log      *zap.Logger
	debounce time.Duration

	mu        sync.RWMutex
	byChannel map[string]ChannelSecret
}

// NewStore creates a store for the given file path. An empty path
// disables the store.
func NewStore(path string, log *zap.Logger) *Store {
	return &Store{
		path:     path,
		log:      log.With(zap.String("component", "secrets")),
		debounce: 500 * time.Millisecond,
	}
}

// Load reads and parses the secrets file, replacing the served snapshot.
// A parse failure keeps the previous snapshot.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	var parsed secretsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("failed to parse secrets file: %w", err)
	}

	s.mu.Lock()
	s.byChannel = parsed.Channels
	s.mu.Unlock()

	s.log.Info("webhook secrets loaded",
		zap.String("path", s.path),
		zap.Int("channels", len(parsed.Channels)))
	return nil
}

// Lookup returns the file's secret for a channel, if present.
func (s *Store) Lookup(platform, platformChannelID string) (ChannelSecret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.byChannel[platform+"/"+platformChannelID]
	return sec, ok
}

// TokenMatches reports whether any file entry for the platform carries
// this verify token. Subscription GETs carry no channel id.
func (s *Store) TokenMatches(platform, token string) bool {
	if token == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := platform + "/"
	for key, sec := range s.byChannel {
		if strings.HasPrefix(key, prefix) && sec.VerifyToken == token {
			return true
		}
	}
	return false
}

// Watch reloads the file whenever it changes, until ctx is done. The
// parent directory is watched because editors and config mounts replace
// the file by rename.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch secrets directory: %w", err)
	}

	s.log.Info("watching webhook secrets file", zap.String("path", s.path))

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain the timer

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				s.log.Warn("failed to close secrets watcher", zap.Error(err))
			}
		}()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if s.shouldProcessEvent(event) {
					debounceTimer.Reset(s.debounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("Watcher error", zap.Error(err))

			case <-debounceTimer.C:
				if err := s.Load(); err != nil {
					s.log.Error("failed to reload webhook secrets, keeping previous set", zap.Error(err))
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// shouldProcessEvent narrows directory events to changes of the
// secrets file itself.
func (s *Store) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 &&
		event.Op&fsnotify.Write == 0 &&
		event.Op&fsnotify.Rename == 0 {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(s.path)
}
