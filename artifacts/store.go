package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageflow/logging"
)

// Asset is a processed artifact ready for persistence.
type Asset struct {
	Title       string
	Description string
	MimeType    string
	SizeBytes   int
	Data        []byte
}

// AssetRef identifies a stored asset.
type AssetRef struct {
	ID   string
	Path string
}

// AssetStore persists processed assets. Implementations must be safe for
// concurrent use.
type AssetStore interface {
	Create(ctx context.Context, asset Asset) (AssetRef, error)
}

// DirStore writes assets to a directory, one file per asset, named by a
// generated id plus the extension matching the asset's type.
type DirStore struct {
	dir    string
	logger *logging.Logger
}

// NewDirStore creates the directory when missing and returns a store
// rooted there.
func NewDirStore(dir string, logger *logging.Logger) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: failed to create asset directory: %w", err)
	}
	return &DirStore{
		dir:    dir,
		logger: logger.Named("assets"),
	}, nil
}

// Create writes the asset to disk and returns its reference.
func (s *DirStore) Create(ctx context.Context, asset Asset) (AssetRef, error) {
	if err := ctx.Err(); err != nil {
		return AssetRef{}, err
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, id+extensionFor(asset.MimeType))
	if err := os.WriteFile(path, asset.Data, 0o644); err != nil {
		return AssetRef{}, fmt.Errorf("artifacts: failed to write asset: %w", err)
	}

	s.logger.Debug("asset stored",
		zap.String("id", id),
		zap.String("title", asset.Title),
		zap.Int("bytes", asset.SizeBytes))
	return AssetRef{ID: id, Path: path}, nil
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "jpeg"):
		return ".jpg"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	default:
		return ".bin"
	}
}
