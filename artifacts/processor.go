package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"imageflow/comfy"
	"imageflow/logging"
)

// Result is the per-artifact outcome of processing. A batch is never
// all-or-nothing: each artifact succeeds or fails on its own.
type Result struct {
	Filename string
	Ref      AssetRef
	MimeType string
	Width    int
	Height   int
	Err      error
}

// Processor turns raw generation outputs into stored assets: it sniffs
// the content type, probes image dimensions and hands the asset to the
// store. Reprocessing a session's artifact returns the existing reference
// instead of storing a duplicate.
type Processor struct {
	store  AssetStore
	logger *logging.Logger

	mu     sync.Mutex
	stored map[string]AssetRef // session id + filename
}

// NewProcessor creates a Processor persisting into store.
func NewProcessor(store AssetStore, logger *logging.Logger) *Processor {
	return &Processor{
		store:  store,
		logger: logger.Named("artifacts"),
		stored: make(map[string]AssetRef),
	}
}

// Process persists the artifacts of a completed session. Returns one
// Result per input in order; a failed artifact carries its error and does
// not block the rest of the batch.
func (p *Processor) Process(ctx context.Context, sessionID string, arts []comfy.Artifact) []Result {
	results := make([]Result, 0, len(arts))
	for _, art := range arts {
		results = append(results, p.processOne(ctx, sessionID, art))
	}
	return results
}

func (p *Processor) processOne(ctx context.Context, sessionID string, art comfy.Artifact) Result {
	result := Result{Filename: art.Filename}

	key := sessionID + "/" + art.Filename
	p.mu.Lock()
	ref, seen := p.stored[key]
	p.mu.Unlock()
	if seen {
		result.Ref = ref
		result.MimeType = http.DetectContentType(art.Data)
		return result
	}

	if len(art.Data) == 0 {
		result.Err = fmt.Errorf("artifacts: %s is empty", art.Filename)
		return result
	}

	mimeType := http.DetectContentType(art.Data)
	result.MimeType = mimeType

	cfg, _, err := image.DecodeConfig(bytes.NewReader(art.Data))
	if err != nil {
		result.Err = fmt.Errorf("artifacts: %s is not a decodable image: %w", art.Filename, err)
		return result
	}
	result.Width = cfg.Width
	result.Height = cfg.Height

	asset := Asset{
		Title:       art.Filename,
		Description: fmt.Sprintf("%dx%d %s, session %s", cfg.Width, cfg.Height, mimeType, sessionID),
		MimeType:    mimeType,
		SizeBytes:   len(art.Data),
		Data:        art.Data,
	}
	stored, err := p.store.Create(ctx, asset)
	if err != nil {
		result.Err = fmt.Errorf("artifacts: failed to store %s: %w", art.Filename, err)
		return result
	}
	result.Ref = stored

	p.mu.Lock()
	p.stored[key] = stored
	p.mu.Unlock()

	p.logger.Info("artifact processed",
		zap.String("session_id", sessionID),
		zap.String("filename", art.Filename),
		zap.String("asset_id", stored.ID),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height))
	return result
}

// Release drops the idempotency records of a session once it has been
// acknowledged.
func (p *Processor) Release(sessionID string) {
	prefix := sessionID + "/"
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.stored {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(p.stored, key)
		}
	}
}
