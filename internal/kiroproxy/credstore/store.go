package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store owns credentials.json: an in-memory snapshot backed by an
// atomically-written file (write-to-temp-then-rename), guarded by a single
// mutex so writers never race each other and readers always see a complete
// slice.
type Store struct {
	mu       sync.RWMutex
	path     string
	creds    []Credential
	nextID   int64
	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open loads path (creating an empty store if the file is absent) and
// returns a ready-to-use Store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, stopCh: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the file from disk, accepting either a single credential
// object or a JSON array, and recomputes nextID.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.creds = nil
			s.nextID = 1
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	creds, err := decodeEitherShape(data)
	if err != nil {
		return fmt.Errorf("credstore: parse %s: %w", s.path, err)
	}
	for i := range creds {
		creds[i].AuthMethod = normalizeAuthMethod(string(creds[i].AuthMethod))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	var maxID int64
	for _, c := range creds {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	s.nextID = maxID + 1
	return nil
}

func decodeEitherShape(data []byte) ([]Credential, error) {
	var arr []Credential
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}
	var single Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []Credential{single}, nil
}

// List returns a snapshot copy of all credentials.
func (s *Store) List() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Get returns a copy of the credential with the given id, if present.
func (s *Store) Get(id int64) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

// Add assigns a fresh id to cred, appends it, persists, and returns the id.
func (s *Store) Add(cred Credential) (int64, error) {
	s.mu.Lock()
	cred.ID = s.nextID
	s.nextID++
	cred.AuthMethod = normalizeAuthMethod(string(cred.AuthMethod))
	s.creds = append(s.creds, cred)
	snapshot := make([]Credential, len(s.creds))
	copy(snapshot, s.creds)
	s.mu.Unlock()

	if err := s.writeFile(snapshot); err != nil {
		return 0, err
	}
	return cred.ID, nil
}

// Delete removes a disabled credential by id. Deleting an enabled credential
// is rejected, per the lifecycle invariant in the data model.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	idx := -1
	for i, c := range s.creds {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("credstore: credential %d not found", id)
	}
	if !s.creds[idx].Disabled {
		s.mu.Unlock()
		return fmt.Errorf("credstore: credential %d must be disabled before delete", id)
	}
	s.creds = append(s.creds[:idx], s.creds[idx+1:]...)
	snapshot := make([]Credential, len(s.creds))
	copy(snapshot, s.creds)
	s.mu.Unlock()

	return s.writeFile(snapshot)
}

// Mutate applies fn to the credential with the given id under the write
// lock and persists the result. fn must not retain c beyond its call.
func (s *Store) Mutate(id int64, fn func(c *Credential)) error {
	s.mu.Lock()
	idx := -1
	for i, c := range s.creds {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("credstore: credential %d not found", id)
	}
	fn(&s.creds[idx])
	snapshot := make([]Credential, len(s.creds))
	copy(snapshot, s.creds)
	s.mu.Unlock()

	return s.writeFile(snapshot)
}

// ReplaceTokens stores a freshly-refreshed access token (and, if non-empty,
// profile ARN / email) for the given credential, then persists atomically.
func (s *Store) ReplaceTokens(id int64, accessToken string, expiresAt time.Time, profileArn, email string) error {
	return s.Mutate(id, func(c *Credential) {
		c.AccessToken = accessToken
		c.ExpiresAt = expiresAt
		if profileArn != "" {
			c.ProfileArn = profileArn
		}
		if email != "" {
			c.Email = email
		}
	})
}

// Patch applies arbitrary field updates described as a map (admin-layer use).
func (s *Store) Patch(id int64, fields map[string]any) error {
	return s.Mutate(id, func(c *Credential) {
		applyPatch(c, fields)
	})
}

func applyPatch(c *Credential, fields map[string]any) {
	if v, ok := fields["priority"].(int); ok {
		c.Priority = v
	}
	if v, ok := fields["disabled"].(bool); ok {
		c.Disabled = v
	}
	if v, ok := fields["disabled_reason"].(string); ok {
		c.DisabledReason = v
	}
}

// writeFile performs the atomic write-to-temp-then-rename used throughout
// the teacher's own persistence code: always writes the credential set back
// out as a JSON array, regardless of the shape it was loaded from.
func (s *Store) writeFile(creds []Credential) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credstore: mkdir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("credstore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credstore: rename temp file: %w", err)
	}
	return nil
}

// WatchReload starts an fsnotify watch on the credential file's directory so
// that out-of-band edits (an admin hand-editing credentials.json) are
// reloaded without a restart. Every Write or Create event on the file
// triggers a reload, including the events caused by the Store's own
// writes; those are not filtered out.
func (s *Store) WatchReload() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: new watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("credstore: watch %s: %w", dir, err)
	}
	s.watcher = w

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					log.WithError(err).Warn("credstore: reload after external change failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("credstore: fsnotify watch error")
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if running.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watchWG.Wait()
		return err
	}
	return nil
}
