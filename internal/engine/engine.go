package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vasvenk/buildml/internal/config"
	"github.com/vasvenk/buildml/internal/domain"
	"github.com/vasvenk/buildml/internal/events"
	"github.com/vasvenk/buildml/internal/feed"
	"github.com/vasvenk/buildml/internal/repo"
	"github.com/vasvenk/buildml/internal/scheduler"
)

const trainingFailedMessage = "Training failed due to an unexpected error"

// ValidationError marks a request the caller can fix.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Engine owns the model lifecycle: creation, the single deferred
// training transition, renames, and snapshot publication to the feed.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	ModelFeed *feed.Hub[domain.Model]
	OwnerFeed *feed.Hub[[]domain.Model]
	Scheduler *scheduler.Scheduler
	Config    *config.Config
	Trainer   Trainer
	Now       func() time.Time

	// publishMu serializes snapshot loads and their publication so
	// subscribers observe states in commit order.
	publishMu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		ModelFeed: feed.New[domain.Model](),
		OwnerFeed: feed.New[[]domain.Model](),
		Scheduler: scheduler.New(),
		Config:    cfg,
		Trainer:   MockTrainer{EndpointBase: cfg.Serving.EndpointBase},
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) trainingDelay() time.Duration {
	if e.Config == nil || e.Config.Training.DelaySeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.Config.Training.DelaySeconds) * time.Second
}

// Close stops pending training timers.
func (e *Engine) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
}

// DeriveModelName builds a display name from the first four words of
// the problem description, each title-cased. Empty input yields
// "Untitled Model".
func DeriveModelName(problemDescription string) string {
	words := strings.Fields(problemDescription)
	if len(words) > 4 {
		words = words[:4]
	}
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:]))
	}
	name := strings.Join(words, " ")
	if name == "" {
		return "Untitled Model"
	}
	return name
}

func validateDataSource(ds domain.DataSource) error {
	switch ds.Type {
	case domain.SourceCSV:
		if ds.FileName == nil || strings.TrimSpace(*ds.FileName) == "" {
			return validationf("data_source.file_name is required for csv sources")
		}
		if ds.FileSize != nil && *ds.FileSize < 0 {
			return validationf("data_source.file_size must not be negative")
		}
	case domain.SourceS3:
		if ds.BucketURL == nil || strings.TrimSpace(*ds.BucketURL) == "" {
			return validationf("data_source.bucket_url is required for s3 sources")
		}
	default:
		return validationf("data_source.type must be csv or s3")
	}
	return nil
}

// CreateModelOptions are parameters for creating a model.
type CreateModelOptions struct {
	OwnerID            string
	Name               string
	ProblemDescription string
	DataSource         domain.DataSource
	ActorID            string
}

// CreateModel persists a new model in training state, appends the
// creation event, publishes the first snapshot, and arms the single
// deferred training transition.
func (e *Engine) CreateModel(ctx context.Context, opts CreateModelOptions) (domain.Model, error) {
	if opts.OwnerID == "" {
		return domain.Model{}, validationf("owner is required")
	}
	if strings.TrimSpace(opts.ProblemDescription) == "" {
		return domain.Model{}, validationf("problem_description is required")
	}
	if err := validateDataSource(opts.DataSource); err != nil {
		return domain.Model{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DeriveModelName(opts.ProblemDescription)
	}
	if opts.ActorID == "" {
		opts.ActorID = opts.OwnerID
	}

	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Model{
		ID:                 uuid.NewString(),
		OwnerID:            opts.OwnerID,
		Name:               name,
		ProblemDescription: opts.ProblemDescription,
		DataSource:         opts.DataSource,
		Status:             domain.StatusTraining,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Model{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertModel(ctx, tx, m); err != nil {
		return domain.Model{}, fmt.Errorf("insert model: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeModelCreated, m.OwnerID, "model", m.ID, opts.ActorID, events.EventPayload{
		"status":      m.Status,
		"name":        m.Name,
		"source_type": m.DataSource.Type,
	}); err != nil {
		return domain.Model{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Model{}, err
	}

	// Reload to pick up the store-assigned sequence.
	m, err = e.Repo.GetModel(ctx, m.ID)
	if err != nil {
		return domain.Model{}, err
	}
	e.publishSnapshot(ctx, m.ID)
	e.armTraining(m.ID, e.trainingDelay())
	return m, nil
}

// ResumeTraining re-arms transition timers for models left in training
// by a previous process. Each gets a full delay from now.
func (e *Engine) ResumeTraining(ctx context.Context) (int, error) {
	models, err := e.Repo.ListTrainingModels(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range models {
		if e.armTraining(m.ID, e.trainingDelay()) {
			n++
		}
	}
	return n, nil
}

func (e *Engine) armTraining(modelID string, delay time.Duration) bool {
	return e.Scheduler.Schedule(modelID, delay, func() {
		e.finishTraining(modelID)
	})
}

// finishTraining runs when the deferred transition fires. It is safe
// against duplicate firing: a record already terminal is left alone.
func (e *Engine) finishTraining(modelID string) {
	ctx := context.Background()
	m, err := e.Repo.GetModel(ctx, modelID)
	if err == repo.ErrNotFound {
		log.Printf("training timer fired for unknown model %s", modelID)
		return
	}
	if err != nil {
		log.Printf("load model %s for transition: %v", modelID, err)
		return
	}
	if m.Terminal() {
		return
	}

	artifacts, trainErr := e.Trainer.Train(ctx, m)
	if trainErr == nil {
		err = e.applyCompleted(ctx, m, artifacts)
		if err == nil {
			return
		}
		log.Printf("complete model %s: %v", modelID, err)
	}

	// Training failed, or the completion write did. Record the failure
	// so the model does not stay in training forever.
	if err := e.applyFailed(ctx, m); err != nil {
		log.Printf("model %s stuck in training: failure write also failed: %v", modelID, err)
	}
}

func (e *Engine) applyCompleted(ctx context.Context, m domain.Model, a Artifacts) error {
	now := e.now().UTC().Format(time.RFC3339)
	patch := repo.TerminalPatch{
		Status:      domain.StatusCompleted,
		UpdatedAt:   now,
		CompletedAt: &now,
		APIEndpoint: &a.APIEndpoint,
		APIKey:      &a.APIKey,
		Metrics:     &a.Metrics,
	}
	return e.applyTerminal(ctx, m, patch, events.TypeModelCompleted, events.EventPayload{
		"status":       domain.StatusCompleted,
		"api_endpoint": a.APIEndpoint,
	})
}

func (e *Engine) applyFailed(ctx context.Context, m domain.Model) error {
	now := e.now().UTC().Format(time.RFC3339)
	msg := trainingFailedMessage
	patch := repo.TerminalPatch{
		Status:       domain.StatusFailed,
		UpdatedAt:    now,
		ErrorMessage: &msg,
	}
	return e.applyTerminal(ctx, m, patch, events.TypeModelFailed, events.EventPayload{
		"status":        domain.StatusFailed,
		"error_message": msg,
	})
}

func (e *Engine) applyTerminal(ctx context.Context, m domain.Model, patch repo.TerminalPatch, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	applied, err := e.Repo.UpdateModelTerminal(ctx, tx, m.ID, patch)
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race to another transition; nothing to record.
		return nil
	}
	if err := e.Events.Append(ctx, tx, evtType, m.OwnerID, "model", m.ID, "system", payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publishSnapshot(ctx, m.ID)
	return nil
}

// RenameModel changes the display name. Only the owner may rename, and
// renames are allowed in any status.
func (e *Engine) RenameModel(ctx context.Context, id, ownerID, name, actorID string) (domain.Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Model{}, validationf("name is required")
	}
	if actorID == "" {
		actorID = ownerID
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Model{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RenameModel(ctx, tx, id, ownerID, name, now); err != nil {
		return domain.Model{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeModelRenamed, ownerID, "model", id, actorID, events.EventPayload{
		"name": name,
	}); err != nil {
		return domain.Model{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Model{}, err
	}

	m, err := e.Repo.GetModel(ctx, id)
	if err != nil {
		return domain.Model{}, err
	}
	e.publishSnapshot(ctx, id)
	return m, nil
}

// GetModel returns one of the owner's models.
func (e *Engine) GetModel(ctx context.Context, id, ownerID string) (domain.Model, error) {
	return e.Repo.GetModelForOwner(ctx, id, ownerID)
}

// ListModels returns the owner's models newest first.
func (e *Engine) ListModels(ctx context.Context, ownerID string) ([]domain.Model, error) {
	return e.Repo.ListModelsByOwner(ctx, ownerID)
}

// publishSnapshot fans a model state out to its own watchers and, as
// the owner's refreshed model set, to the owner's watchers. The model
// is reloaded under the lock so every publication carries the state of
// the latest commit; publishing a snapshot captured before the lock
// could deliver it after a later state. The lock keeps publication in
// commit order.
func (e *Engine) publishSnapshot(ctx context.Context, id string) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	m, err := e.Repo.GetModel(ctx, id)
	if err != nil {
		log.Printf("feed: load model %s: %v", id, err)
		return
	}
	e.ModelFeed.Publish(m.ID, m)
	set, err := e.Repo.ListModelsByOwner(ctx, m.OwnerID)
	if err != nil {
		log.Printf("feed: list models for owner %s: %v", m.OwnerID, err)
		return
	}
	e.OwnerFeed.Publish(m.OwnerID, set)
}

// WatchModel subscribes to one model's snapshot stream. The returned
// model is the state at subscription time; later states arrive on the
// subscription, coalesced when the consumer is slow.
func (e *Engine) WatchModel(ctx context.Context, id, ownerID string) (domain.Model, *feed.Subscription[domain.Model], error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	m, err := e.Repo.GetModelForOwner(ctx, id, ownerID)
	if err != nil {
		return domain.Model{}, nil, err
	}
	sub := e.ModelFeed.Subscribe(id)
	return m, sub, nil
}

// WatchOwner subscribes to the owner's model set. Each delivery is the
// full set, newest first, as of a commit; the returned slice is the
// set at subscription time.
func (e *Engine) WatchOwner(ctx context.Context, ownerID string) ([]domain.Model, *feed.Subscription[[]domain.Model], error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	models, err := e.Repo.ListModelsByOwner(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	sub := e.OwnerFeed.Subscribe(ownerID)
	return models, sub, nil
}

// CreateAPIKey mints a personal access key for the caller and stores
// only its hash. The raw key is returned once.
func (e *Engine) CreateAPIKey(ctx context.Context, ownerID, name string) (string, domain.APIKey, error) {
	if ownerID == "" {
		return "", domain.APIKey{}, validationf("owner is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate access key: %w", err)
	}
	raw := "bml_" + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, k, nil
}

// ListAPIKeys returns the caller's access keys, hashes included, raw
// keys never.
func (e *Engine) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, ownerID)
}

// RevokeAPIKey deletes one of the caller's access keys.
func (e *Engine) RevokeAPIKey(ctx context.Context, id, ownerID string) error {
	return e.Repo.DeleteAPIKey(ctx, id, ownerID)
}
