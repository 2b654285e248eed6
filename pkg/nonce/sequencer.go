// Package nonce issues strictly increasing, durable per-credential sequence
// numbers for venues that authenticate requests with a replay counter.
package nonce

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultJumpFactor is how far a sequencing-error recovery jumps past the
// last issued value, relative to the normal +1 increment.
const DefaultJumpFactor = 10

// Sequencer owns one durable counter per credential identity. Each counter
// lives in its own state file and is guarded by its own lock, so two
// credentials never contend on the same file.
type Sequencer struct {
	dir        string
	jumpFactor int64

	mu     sync.Mutex
	states map[string]*credState
}

type credState struct {
	mu     sync.Mutex
	path   string
	loaded bool
	last   int64
	bumped bool
}

// NewSequencer creates a sequencer persisting under dir.
func NewSequencer(dir string) (*Sequencer, error) {
	if dir == "" {
		return nil, fmt.Errorf("nonce: state dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nonce: create state dir: %w", err)
	}
	return &Sequencer{
		dir:        dir,
		jumpFactor: DefaultJumpFactor,
		states:     make(map[string]*credState),
	}, nil
}

// SetJumpFactor overrides the sequencing-error jump multiple.
func (s *Sequencer) SetJumpFactor(factor int64) {
	if factor > 1 {
		s.jumpFactor = factor
	}
}

// Next returns a value strictly greater than every value previously returned
// for credentialID, across goroutines and across process restarts. The value
// is persisted before it is returned; if persistence fails the value is not
// considered issued and an error is returned. There is no in-memory fallback:
// a reused nonce after a restart locks the credential out of the venue.
func (s *Sequencer) Next(credentialID string) (int64, error) {
	st := s.state(credentialID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		last, err := loadLast(st.path)
		if err != nil {
			return 0, fmt.Errorf("nonce: load state for %s: %w", credentialID, err)
		}
		st.last = last
		st.loaded = true
	}

	candidate := time.Now().UnixMicro()
	if candidate <= st.last {
		candidate = st.last + 1
	}
	if st.bumped {
		// Escape the venue-side replay window after a sequencing error.
		candidate += s.jumpFactor
	}

	if err := persist(st.path, candidate); err != nil {
		return 0, fmt.Errorf("nonce: persist state for %s: %w", credentialID, err)
	}

	st.last = candidate
	st.bumped = false
	return candidate, nil
}

// Bump arms a jump for the next issuance on credentialID. Callers invoke it
// after a venue rejects a request with a nonce/signature sequencing error.
func (s *Sequencer) Bump(credentialID string) {
	st := s.state(credentialID)
	st.mu.Lock()
	st.bumped = true
	st.mu.Unlock()
}

func (s *Sequencer) state(credentialID string) *credState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[credentialID]
	if !ok {
		st = &credState{path: filepath.Join(s.dir, fileName(credentialID))}
		s.states[credentialID] = st
	}
	return st
}

func fileName(credentialID string) string {
	var b strings.Builder
	for _, r := range credentialID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String() + ".nonce"
}

func loadLast(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt nonce file %s: %w", path, err)
	}
	return v, nil
}

// persist writes the value via temp file + rename + sync so a crash can
// never leave a truncated file or roll the counter backwards.
func persist(path string, value int64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatInt(value, 10)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
