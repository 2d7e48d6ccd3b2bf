// Package session persists analysis sessions under the output directory.
//
// Layout: <dir>/<id>/session.json plus the uploaded dataset file. The store
// keeps every session in memory and writes through on each change.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/utils"
)

const sessionFileName = "session.json"

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

type Store struct {
	mu       sync.RWMutex
	dir      string
	sessions map[string]*Session
	now      func() time.Time
	log      *zap.Logger
}

// Open loads every session found under dir, creating dir if needed.
// Unreadable session files are skipped with a warning.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("ensure session dir: %w", err)
	}
	s := &Store{dir: dir, sessions: map[string]*Session{}, now: time.Now, log: log}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := load(filepath.Join(dir, e.Name()))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("skipping unreadable session", zap.String("dir", e.Name()), zap.Error(err))
			}
			continue
		}
		s.sessions[sess.ID] = sess
	}
	log.Debug("sessions loaded", zap.String("dir", dir), zap.Int("count", len(s.sessions)))
	return s, nil
}

func load(dir string) (*Session, error) {
	b, err := os.ReadFile(filepath.Join(dir, sessionFileName))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if sess.ID == "" {
		sess.ID = filepath.Base(dir)
	}
	return &sess, nil
}

// Dir returns the directory that holds session id's files.
func (s *Store) Dir(id string) string { return filepath.Join(s.dir, id) }

// Create registers a new session for fileName. When data is non-nil it is
// stored next to session.json and DatasetPath points at it.
func (s *Store) Create(fileName string, data []byte) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		FileName:  filepath.Base(fileName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := utils.EnsureDir(s.Dir(sess.ID)); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	if data != nil {
		sess.DatasetPath = filepath.Join(s.Dir(sess.ID), "dataset"+filepath.Ext(sess.FileName))
		if err := utils.SafeWriteFile(sess.DatasetPath, data); err != nil {
			return nil, err
		}
	}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.clone(), nil
}

// Get returns a copy of session id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.clone(), nil
}

// Update applies fn to a copy of session id and persists the result. The
// stored session is unchanged when fn fails.
func (s *Store) Update(id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	if err := s.write(next); err != nil {
		return nil, err
	}
	s.sessions[id] = next
	return next.clone(), nil
}

// List returns session summaries, newest first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes session id and its files.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("remove session files: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes sessions not updated within ttl and returns how
// many were removed.
func (s *Store) PurgeOlderThan(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		if err := os.RemoveAll(s.Dir(id)); err != nil {
			s.log.Warn("remove expired session", zap.String("id", id), zap.Error(err))
		}
		n++
	}
	if n > 0 {
		s.log.Info("expired sessions purged", zap.Int("count", n), zap.Duration("ttl", ttl))
	}
	return n
}

func (s *Store) write(sess *Session) error {
	data, err := utils.PrettyJSON(sess)
	if err != nil {
		return err
	}
	return utils.SafeWriteFile(filepath.Join(s.Dir(sess.ID), sessionFileName), data)
}
