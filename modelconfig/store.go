package modelconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"imageflow/logging"
	"imageflow/pipeline"
)

// Store persists the last-used parameters per model, fronted by an
// in-memory cache so repeated loads of the active model never hit disk.
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	mu    sync.RWMutex
	cache map[string]pipeline.Parameters
}

// NewStore opens (creating when missing) the settings database at path
// and brings its schema current.
func NewStore(path string, logger *logging.Logger) (*Store, error) {
	db, err := openDatabase(DefaultConnectionConfig(path))
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.Named("modelconfig"),
		cache:  make(map[string]pipeline.Parameters),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records params as the last-used settings for their model,
// replacing any previous record. The prompt is a per-generation input,
// not a setting, so it is stripped before storage; the model id lives in
// the key, not the payload.
func (s *Store) Save(ctx context.Context, params pipeline.Parameters) error {
	if params.ModelID == "" {
		return fmt.Errorf("modelconfig: cannot save settings without a model id")
	}

	modelID := params.ModelID
	record := params
	record.ModelID = ""
	record.Prompt = ""

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("modelconfig: failed to encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_configs (model_id, parameters, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			parameters = excluded.parameters,
			saved_at   = excluded.saved_at`,
		modelID, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("modelconfig: failed to save settings for %s: %w", modelID, err)
	}

	record.ModelID = modelID
	s.mu.Lock()
	s.cache[modelID] = record
	s.mu.Unlock()

	s.logger.Debug("settings saved", zap.String("model_id", modelID))
	return nil
}

// Load returns the saved settings for modelID, or nil when the model has
// never been used.
func (s *Store) Load(ctx context.Context, modelID string) (*pipeline.Parameters, error) {
	s.mu.RLock()
	cached, ok := s.cache[modelID]
	s.mu.RUnlock()
	if ok {
		params := cached
		return &params, nil
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT parameters FROM model_configs WHERE model_id = ?`, modelID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modelconfig: failed to load settings for %s: %w", modelID, err)
	}

	var params pipeline.Parameters
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return nil, fmt.Errorf("modelconfig: corrupt settings record for %s: %w", modelID, err)
	}
	params.ModelID = modelID

	s.mu.Lock()
	s.cache[modelID] = params
	s.mu.Unlock()
	return &params, nil
}

// Resolve returns the parameters to offer for modelID: the saved settings
// when present, the family defaults otherwise.
func (s *Store) Resolve(ctx context.Context, modelID string) (pipeline.Parameters, error) {
	saved, err := s.Load(ctx, modelID)
	if err != nil {
		return pipeline.Parameters{}, err
	}
	if saved != nil {
		return *saved, nil
	}
	return DefaultsFor(modelID), nil
}

// DefaultsFor derives starting parameters from the model filename. Pure:
// the same name always yields the same settings. Distilled and
// few-step families get their short schedules, larger bases their native
// resolution; anything unrecognized gets conservative baseline values.
func DefaultsFor(modelID string) pipeline.Parameters {
	params := pipeline.Parameters{
		ModelID:         modelID,
		Width:           512,
		Height:          512,
		Steps:           20,
		GuidanceScale:   7.5,
		Sampler:         pipeline.SamplerEuler,
		Scheduler:       pipeline.SchedulerNormal,
		DenoiseStrength: 1.0,
	}

	name := strings.ToLower(modelID)
	switch {
	case strings.Contains(name, "turbo"):
		params.Steps = 6
		params.GuidanceScale = 2.0
		params.Sampler = pipeline.SamplerEulerAncestral
		params.Scheduler = pipeline.SchedulerSGMUniform
	case strings.Contains(name, "lightning"):
		params.Steps = 8
		params.GuidanceScale = 1.5
		params.Scheduler = pipeline.SchedulerSGMUniform
		params.Width = 1024
		params.Height = 1024
	case strings.Contains(name, "lcm"):
		params.Steps = 8
		params.GuidanceScale = 1.5
		params.Sampler = pipeline.SamplerLCM
		params.Scheduler = pipeline.SchedulerSGMUniform
	case strings.Contains(name, "flux"):
		params.Width = 1024
		params.Height = 1024
		params.GuidanceScale = 3.5
		params.Steps = 25
	}

	// Resolution bump for XL-class bases, unless a family above already
	// set it.
	if (strings.Contains(name, "sdxl") || strings.Contains(name, "xl")) &&
		params.Width == 512 {
		params.Width = 1024
		params.Height = 1024
	}
	return params
}
