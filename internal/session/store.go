package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"vrcnotify/internal/atomicfile"
)

// DefaultPath is used when no cookie file is configured.
const DefaultPath = "./cookies"

// Store persists one cookie set at Path.
type Store struct {
	Path string

	// OnHeal is called when a corrupt file was rewritten empty. Optional.
	OnHeal func(err error)

	now func() time.Time
}

func New(path string) *Store {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	return &Store{Path: path, now: time.Now}
}

// Load returns the persisted cookies.
//
// A missing file yields (nil, nil). A file that exists but does not parse is
// rewritten as an empty jar and also yields (nil, nil): the caller proceeds
// unauthenticated.
func (s *Store) Load() ([]*http.Cookie, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	cookies, perr := decodeLWP(bytes.NewReader(b), s.clock())
	if perr != nil {
		if err := atomicfile.Write(s.Path, encodeLWP(nil), 0o600); err != nil {
			return nil, fmt.Errorf("reset corrupt session file: %w", err)
		}
		if s.OnHeal != nil {
			s.OnHeal(perr)
		}
		return nil, nil
	}
	return cookies, nil
}

// Save atomically replaces the stored cookie set.
func (s *Store) Save(cookies []*http.Cookie) error {
	if err := atomicfile.Write(s.Path, encodeLWP(cookies), 0o600); err != nil {
		return fmt.Errorf("save session file: %w", err)
	}
	return nil
}

// Remove deletes the stored cookies. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
