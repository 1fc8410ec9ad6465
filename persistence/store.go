// Package persistence stores the crash-recovery session pointer as a small
// JSON file. The pointer is the only state that survives a restart; player
// streaks and the credit ledger are rebuilt from chain history.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

// SessionPointer is the persisted record of the current session. StartedAt
// and the session id are epoch milliseconds.
type SessionPointer struct {
	SessionID int64  `json:"sessionId"`
	StartedAt int64  `json:"startedAt"`
	Finalized bool   `json:"finalized"`
	Seed      string `json:"seed,omitempty"`
}

// FileStore reads and writes the pointer file atomically via a temp-file
// rename.
type FileStore struct {
	logger logging.Logger
	path   string
}

// NewFileStore builds a store for the given pointer file path, creating the
// parent directory if needed.
func NewFileStore(logger logging.Logger, path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{
		logger: logging.ForComponent(logger, logging.ComponentSessionStore),
		path:   path,
	}, nil
}

// Save writes the pointer, replacing any previous one.
func (s *FileStore) Save(ptr SessionPointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.logger.Debug().
		Int64(logging.FieldSessionID, ptr.SessionID).
		Bool("finalized", ptr.Finalized).
		Msg("session pointer saved")
	return nil
}

// Load returns the persisted pointer, or nil when the file is absent or
// unreadable. A corrupt pointer is treated as absent so startup always
// proceeds.
func (s *FileStore) Load() *SessionPointer {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("failed to read session pointer")
		}
		return nil
	}

	var ptr SessionPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		s.logger.Warn().Err(err).Msg("corrupt session pointer; starting clean")
		return nil
	}
	if ptr.SessionID == 0 {
		return nil
	}
	return &ptr
}

// Clear removes the pointer file. Missing files are not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
