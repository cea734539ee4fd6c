package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
)

// ImageStore persists section images and returns the URL recipients load
// them from.
type ImageStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Remove(ctx context.Context, key string) error
}

// DetectImage sniffs the payload and rejects anything that is not an image.
// It returns the detected content type and its file extension.
func DetectImage(field string, data []byte) (string, string, error) {
	if len(data) == 0 {
		return "", "", appErrors.NewValidation(field, "is empty")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", "", appErrors.NewValidation(field, fmt.Sprintf("must be an image, got %s", mt.String()))
	}
	return mt.String(), mt.Extension(), nil
}

// MemoryImageStore keeps objects in a map. Used when no object store is
// configured.
type MemoryImageStore struct {
	mu      sync.Mutex
	BaseURL string
	Objects map[string][]byte
}

func NewMemoryImageStore(baseURL string) *MemoryImageStore {
	return &MemoryImageStore{BaseURL: strings.TrimRight(baseURL, "/"), Objects: make(map[string][]byte)}
}

func (m *MemoryImageStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[key] = append([]byte(nil), data...)
	return m.BaseURL + "/" + key, nil
}

func (m *MemoryImageStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Objects, key)
	return nil
}

func (m *MemoryImageStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Objects)
}
