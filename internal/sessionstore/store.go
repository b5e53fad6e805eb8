// Package sessionstore persists the library's crash-safety state on disk:
// the node session-id map (so WebSocket sessions can be resumed across
// restarts) and one JSON snapshot per live player. All file replacement is
// atomic (write-temp + rename) so a crash mid-write never corrupts state.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

const (
	// defaultDir is the session-data location relative to the working
	// directory, matching where earlier releases kept their state.
	defaultDir = "magmastream/dist/sessionData"

	sessionIDsFile = "sessionIds.json"
	playersSubdir  = "players"
)

// Store is a file-backed session-data store. Safe for concurrent use;
// per-guild snapshot writes additionally rely on the caller serialising
// writes for the same guild (one logical owner per player).
type Store struct {
	dir string

	mu       sync.Mutex
	sessions map[string]string // "{identifier}:{clusterId}" → sessionId
}

// New creates a Store rooted at dir. An empty dir selects the default
// location under the current working directory.
func New(dir string) *Store {
	if dir == "" {
		dir = defaultDir
	}
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func sessionKey(identifier string, clusterID int) string {
	return fmt.Sprintf("%s:%d", identifier, clusterID)
}

// loadSessionsLocked reads sessionIds.json into the in-memory cache.
// A missing file is an empty map. Caller must hold mu.
func (s *Store) loadSessionsLocked() error {
	if s.sessions != nil {
		return nil
	}
	s.sessions = map[string]string{}
	data, err := os.ReadFile(filepath.Join(s.dir, sessionIDsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessionstore: read session ids: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return fmt.Errorf("sessionstore: parse session ids: %w", err)
	}
	return nil
}

// SessionID returns the persisted node session id for (identifier,
// clusterID), if any.
func (s *Store) SessionID(identifier string, clusterID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSessionsLocked(); err != nil {
		return "", false
	}
	sid, ok := s.sessions[sessionKey(identifier, clusterID)]
	return sid, ok
}

// SetSessionID records and persists a node session id.
func (s *Store) SetSessionID(identifier string, clusterID int, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSessionsLocked(); err != nil {
		return err
	}
	s.sessions[sessionKey(identifier, clusterID)] = sessionID

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: create dir: %w", err)
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session ids: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, sessionIDsFile), data, 0o644); err != nil {
		return fmt.Errorf("sessionstore: write session ids: %w", err)
	}
	return nil
}

func (s *Store) playerPath(guildID string) string {
	return filepath.Join(s.dir, playersSubdir, guildID+".json")
}

// WritePlayer atomically replaces the snapshot file for guildID.
func (s *Store) WritePlayer(guildID string, data []byte) error {
	dir := filepath.Join(s.dir, playersSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: create players dir: %w", err)
	}
	if err := renameio.WriteFile(s.playerPath(guildID), data, 0o644); err != nil {
		return fmt.Errorf("sessionstore: write player %s: %w", guildID, err)
	}
	return nil
}

// ReadPlayer returns the snapshot for guildID, or fs.ErrNotExist.
func (s *Store) ReadPlayer(guildID string) ([]byte, error) {
	return os.ReadFile(s.playerPath(guildID))
}

// DeletePlayer removes the snapshot for guildID. Missing files are fine.
func (s *Store) DeletePlayer(guildID string) error {
	err := os.Remove(s.playerPath(guildID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sessionstore: delete player %s: %w", guildID, err)
	}
	return nil
}

// PlayerSnapshot pairs a guild id with its raw snapshot bytes.
type PlayerSnapshot struct {
	GuildID string
	Data    []byte
}

// Players lists every stored player snapshot.
func (s *Store) Players() ([]PlayerSnapshot, error) {
	dir := filepath.Join(s.dir, playersSubdir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list players: %w", err)
	}
	var out []PlayerSnapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		guildID := strings.TrimSuffix(name, ".json")
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, PlayerSnapshot{GuildID: guildID, Data: data})
	}
	return out, nil
}

// PruneExcept removes every snapshot whose guild id is not in live.
func (s *Store) PruneExcept(live map[string]bool) error {
	snaps, err := s.Players()
	if err != nil {
		return err
	}
	var errs []error
	for _, snap := range snaps {
		if live[snap.GuildID] {
			continue
		}
		if err := s.DeletePlayer(snap.GuildID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
