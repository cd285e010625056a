package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/models"
)

const sessionFileName = "session.json"

// ErrInvalidSessionFile is returned when the session document cannot be parsed.
var ErrInvalidSessionFile = errors.New("invalid session file")

// document is the on-disk session. Keys mirror the browser storage keys.
type document struct {
	Version      int                 `json:"version"`
	AccessToken  string              `json:"accessToken,omitempty"`
	RefreshToken string              `json:"refreshToken,omitempty"`
	User         *models.UserProfile `json:"user,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// FileStore persists the session as a single JSON document on the local
// filesystem. Writes go to a temp file followed by a rename, so a reader in
// another process sees either the old or the new document in full.
type FileStore struct {
	// mu serialises read-modify-write cycles within this process.
	mu       sync.Mutex
	baseDir  string
	disabled bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store.
// If baseDir is empty, uses ~/.storefront/. When no home directory can be
// resolved the store is disabled: reads are empty and writes are dropped.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn().Err(err).Msg("no home directory, session will not be persisted")
			return &FileStore{disabled: true}, nil
		}
		baseDir = filepath.Join(home, ".storefront")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("session file store initialized")

	return &FileStore{baseDir: baseDir}, nil
}

// Path returns the session document path, empty when disabled.
func (s *FileStore) Path() string {
	if s.disabled {
		return ""
	}
	return filepath.Join(s.baseDir, sessionFileName)
}

// Disabled reports whether the store has no storage context.
func (s *FileStore) Disabled() bool {
	return s.disabled
}

func (s *FileStore) GetTokens(ctx context.Context) (Tokens, error) {
	if s.disabled {
		return Tokens{}, nil
	}
	doc, err := s.load()
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: doc.AccessToken, RefreshToken: doc.RefreshToken}, nil
}

func (s *FileStore) SetTokens(ctx context.Context, access, refresh string) error {
	return s.update(func(doc *document) {
		doc.AccessToken = access
		doc.RefreshToken = refresh
	})
}

func (s *FileStore) GetUser(ctx context.Context) (*models.UserProfile, error) {
	if s.disabled {
		return nil, nil
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.User, nil
}

func (s *FileStore) SetUser(ctx context.Context, profile *models.UserProfile) error {
	return s.update(func(doc *document) {
		doc.User = profile.Clone()
	})
}

func (s *FileStore) ClearAll(ctx context.Context) error {
	if s.disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	log.Debug().Str("path", s.Path()).Msg("session cleared")

	return nil
}

func (s *FileStore) update(fn func(doc *document)) error {
	if s.disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	fn(doc)
	doc.UpdatedAt = time.Now().UTC()

	return s.save(doc)
}

// load reads the session document. A missing file is an empty session.
func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Version: 1}, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionFile, err)
	}

	return &doc, nil
}

// save writes the session document atomically.
func (s *FileStore) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Unique temp name so concurrent writers in other processes do not
	// clobber each other's partial file.
	tmp, err := os.CreateTemp(s.baseDir, sessionFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to set session file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session: %w", err)
	}

	if err := os.Rename(tempPath, s.Path()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}
