// Package session owns the operator's bearer token on this machine. It is
// the only place that reads, writes or forgets it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrNoSession = errors.New("no active session")

type Credentials struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Session struct {
	path string
	now  func() time.Time

	mu    sync.RWMutex
	creds *Credentials
}

func New(path string) *Session {
	return &Session{path: path, now: time.Now}
}

func (s *Session) Path() string {
	return s.path
}

// Load reads the persisted credentials. A missing or expired file leaves the
// session empty and returns ErrNoSession.
func (s *Session) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(nil)
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if strings.TrimSpace(creds.SessionID) == "" || s.expired(creds) {
		s.set(nil)
		return ErrNoSession
	}
	s.set(&creds)
	return nil
}

func (s *Session) Save(creds Credentials) error {
	if strings.TrimSpace(creds.SessionID) == "" {
		return errors.New("session id is required")
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	s.set(&creds)
	return nil
}

// Clear forgets the token in memory and on disk.
func (s *Session) Clear() error {
	s.set(nil)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Token returns the bearer token, or "" when logged out or expired.
func (s *Session) Token() string {
	creds, ok := s.Current()
	if !ok {
		return ""
	}
	return creds.SessionID
}

func (s *Session) Role() string {
	creds, ok := s.Current()
	if !ok {
		return ""
	}
	return creds.Role
}

func (s *Session) Current() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil || s.expired(*s.creds) {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Invalidate is called by the API client when the server answers 401.
func (s *Session) Invalidate() {
	_ = s.Clear()
}

func (s *Session) set(creds *Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

func (s *Session) expired(creds Credentials) bool {
	return !creds.ExpiresAt.IsZero() && !s.now().Before(creds.ExpiresAt)
}
