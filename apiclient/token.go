package apiclient

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token for each request. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// FileToken reads the token from a file on every request, so a login in
// another process takes effect without a restart. A missing file means no
// token.
type FileToken struct {
	Path string
}

func (f FileToken) Token() (string, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// MemoryToken is a token that can be replaced or cleared at runtime, for
// example from an unauthorized handler.
type MemoryToken struct {
	mu  sync.RWMutex
	tok string
}

// NewMemoryToken returns a MemoryToken holding tok.
func NewMemoryToken(tok string) *MemoryToken { return &MemoryToken{tok: tok} }

func (m *MemoryToken) Token() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tok, nil
}

// Set replaces the token.
func (m *MemoryToken) Set(tok string) {
	m.mu.Lock()
	m.tok = tok
	m.mu.Unlock()
}

// Clear drops the token.
func (m *MemoryToken) Clear() { m.Set("") }
