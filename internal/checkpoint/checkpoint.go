// Package checkpoint persists and restores the training state: model
// parameters, model config, optimizer and scheduler state, and the epoch
// counter.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/joshcarp/llmtrain/internal/model"
)

const (
	ModelFile     = "model.bin"
	ConfigFile    = "config.json"
	OptimizerFile = "optimizer.bin"
	SchedulerFile = "scheduler.json"
	TrainerFile   = "trainer_state.json"

	FinalKey = "final_model"
)

// EpochKey names the checkpoint written after epoch (1-based).
func EpochKey(epoch int) string {
	return fmt.Sprintf("model_epoch%d", epoch)
}

type Stateful interface {
	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
}

// State is what a checkpoint holds. Model is always the single logical model,
// never a replica.
type State struct {
	Model     model.Model
	Optimizer Stateful
	Scheduler Stateful
	Progress  Progress
}

// Progress is stored as trainer_state.json.
type Progress struct {
	// Epoch is the number of completed epochs.
	Epoch int `json:"epoch"`
	// GlobalStep counts optimizer steps over the whole run.
	GlobalStep int `json:"global_step"`
}

type Writer struct {
	store  Store
	logger *slog.Logger
}

func NewWriter(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger}
}

// Save writes every artifact of st under key.
func (w *Writer) Save(ctx context.Context, key string, st *State) error {
	artifacts := []struct {
		name  string
		write func(io.Writer) error
	}{
		{ModelFile, st.Model.SaveState},
		{ConfigFile, func(wr io.Writer) error { return writeJSON(wr, st.Model.Config()) }},
		{OptimizerFile, st.Optimizer.SaveState},
		{SchedulerFile, st.Scheduler.SaveState},
		{TrainerFile, func(wr io.Writer) error { return writeJSON(wr, st.Progress) }},
	}
	for _, a := range artifacts {
		if err := w.store.Put(ctx, path.Join(key, a.name), a.write); err != nil {
			return fmt.Errorf("save %s/%s: %w", key, a.name, err)
		}
	}
	w.logger.Info("saved checkpoint", "location", w.store.Location(), "key", key, "epoch", st.Progress.Epoch)
	return nil
}

// Load restores st in place from the checkpoint under key. The model and
// optimizer must already have the shape the checkpoint was written with.
func Load(ctx context.Context, store Store, key string, st *State) error {
	readers := []struct {
		name string
		read func(io.Reader) error
	}{
		{ModelFile, st.Model.LoadState},
		{OptimizerFile, st.Optimizer.LoadState},
		{SchedulerFile, st.Scheduler.LoadState},
		{TrainerFile, func(r io.Reader) error { return json.NewDecoder(r).Decode(&st.Progress) }},
	}
	for _, r := range readers {
		if err := store.Get(ctx, path.Join(key, r.name), r.read); err != nil {
			return fmt.Errorf("load %s/%s: %w", key, r.name, err)
		}
	}
	return nil
}

// LoadModel restores only the model parameters from key, for inference.
func LoadModel(ctx context.Context, store Store, key string, m Stateful) error {
	if err := store.Get(ctx, path.Join(key, ModelFile), m.LoadState); err != nil {
		return fmt.Errorf("load %s/%s: %w", key, ModelFile, err)
	}
	return nil
}

// LoadModelConfig decodes the config.json written next to the model into v.
func LoadModelConfig(ctx context.Context, store Store, key string, v any) error {
	err := store.Get(ctx, path.Join(key, ConfigFile), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	})
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", key, ConfigFile, err)
	}
	return nil
}

// OpenLocation splits a checkpoint location such as model/model_epoch2 or
// s3://bucket/run/final_model into the store holding it and its key.
func OpenLocation(loc string) (Store, string, error) {
	loc = strings.TrimRight(loc, "/")
	i := strings.LastIndex(loc, "/")
	if i < 0 {
		return &FSStore{Root: "."}, loc, nil
	}
	dir, key := loc[:i], loc[i+1:]
	if dir == "" {
		dir = "/"
	}
	if strings.HasSuffix(dir, "s3:/") || key == "" {
		return nil, "", fmt.Errorf("no checkpoint key in %q", loc)
	}
	store, err := NewStore(dir)
	if err != nil {
		return nil, "", err
	}
	return store, key, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
