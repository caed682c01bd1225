package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrNoToken = errors.New("app: token file is empty")

// FileTokens reads the bearer token from a file. The token is cached until
// Refresh re-reads the file, so an external process can rotate it.
type FileTokens struct {
	path string

	mu  sync.Mutex
	cur string
}

func NewFileTokens(path string) *FileTokens {
	return &FileTokens{path: path}
}

func (f *FileTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	cur := f.cur
	f.mu.Unlock()
	if cur != "" {
		return cur, nil
	}
	return f.Refresh(ctx)
}

func (f *FileTokens) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("app: read token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNoToken
	}

	f.mu.Lock()
	f.cur = tok
	f.mu.Unlock()
	return tok, nil
}
