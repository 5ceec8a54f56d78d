package ports

import (
	"context"
	"errors"

	"github.com/aescanero/constellation/pkg/constellation"
)

// ErrNotFound is returned by storage backends for unknown constellations.
var ErrNotFound = errors.New("constellation not found")

// StateStorage persists constellation documents.
type StateStorage interface {
	Save(ctx context.Context, doc *constellation.Document) error
	Load(ctx context.Context, id string) (*constellation.Document, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
}
