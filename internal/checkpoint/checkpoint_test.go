package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshcarp/llmtrain/internal/gpt2"
	"github.com/joshcarp/llmtrain/internal/optim"
)

var tinyConfig = gpt2.Config{NCtx: 4, NPositions: 4, VocabSize: 9, NLayer: 1, NHead: 2, NEmbd: 4}

func newState(t *testing.T, seed uint64) *State {
	t.Helper()
	m, err := gpt2.New(tinyConfig, seed)
	require.NoError(t, err)
	return &State{
		Model:     m,
		Optimizer: optim.NewAdamW(len(m.Parameters()), 1e-6, 0),
		Scheduler: optim.NewWarmupLinear(1e-3, 2, 10),
	}
}

// trainedState takes a couple of optimizer steps so the optimizer and
// scheduler carry non-zero state.
func trainedState(t *testing.T) *State {
	st := newState(t, 1)
	tokens := []int32{1, 2, 3, 4}
	opt := st.Optimizer.(*optim.AdamW)
	sched := st.Scheduler.(*optim.WarmupLinear)
	for i := 0; i < 2; i++ {
		_, err := st.Model.Forward(tokens, tokens, 1, 4)
		require.NoError(t, err)
		require.NoError(t, st.Model.Backward(1))
		sched.Step()
		require.NoError(t, opt.Step(st.Model.Parameters(), st.Model.Gradients(), sched.LR()))
		st.Model.ZeroGradients()
	}
	st.Progress = Progress{Epoch: 3, GlobalStep: 2}
	return st
}

func TestFSRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "model")
	store, err := NewStore(root)
	require.NoError(t, err)
	require.IsType(t, &FSStore{}, store)

	st := trainedState(t)
	w := NewWriter(store, nil)
	require.NoError(t, w.Save(context.Background(), EpochKey(3), st))

	for _, name := range []string{ModelFile, ConfigFile, OptimizerFile, SchedulerFile, TrainerFile} {
		assert.FileExists(t, filepath.Join(root, "model_epoch3", name))
	}
	leftovers, err := filepath.Glob(filepath.Join(root, "model_epoch3", ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	raw, err := os.ReadFile(filepath.Join(root, "model_epoch3", ConfigFile))
	require.NoError(t, err)
	var cfg gpt2.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, tinyConfig, cfg)

	restored := newState(t, 2)
	require.NoError(t, Load(context.Background(), store, EpochKey(3), restored))
	assert.Equal(t, st.Model.Parameters(), restored.Model.Parameters())
	assert.Equal(t, st.Optimizer, restored.Optimizer)
	assert.Equal(t, st.Scheduler, restored.Scheduler)
	assert.Equal(t, Progress{Epoch: 3, GlobalStep: 2}, restored.Progress)
}

func TestLoadMissing(t *testing.T) {
	store := &FSStore{Root: t.TempDir()}
	err := Load(context.Background(), store, FinalKey, newState(t, 1))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadModelOnly(t *testing.T) {
	store := &FSStore{Root: t.TempDir()}
	st := trainedState(t)
	require.NoError(t, NewWriter(store, nil).Save(context.Background(), FinalKey, st))

	var cfg gpt2.Config
	require.NoError(t, LoadModelConfig(context.Background(), store, FinalKey, &cfg))
	assert.Equal(t, tinyConfig, cfg)

	m, err := gpt2.New(cfg, 9)
	require.NoError(t, err)
	require.NoError(t, LoadModel(context.Background(), store, FinalKey, m))
	assert.Equal(t, st.Model.Parameters(), m.Parameters())

	err = LoadModel(context.Background(), store, EpochKey(1), m)
	assert.ErrorContains(t, err, "model_epoch1/model.bin")
}

func TestFSStoreRejectsEscapes(t *testing.T) {
	store := &FSStore{Root: t.TempDir()}
	write := func(w io.Writer) error { return nil }
	for _, name := range []string{"../x", "/etc/passwd", "", "."} {
		assert.Error(t, store.Put(context.Background(), name, write), name)
	}
}

func TestFSStoreWriteError(t *testing.T) {
	root := t.TempDir()
	store := &FSStore{Root: root}
	boom := errors.New("boom")
	err := store.Put(context.Background(), "a/b.bin", func(io.Writer) error { return boom })
	assert.ErrorIs(t, err, boom)
	entries, err := os.ReadDir(filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) keys() []string {
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestS3RoundTrip(t *testing.T) {
	svc := &fakeS3{objects: map[string][]byte{}}
	store, err := NewS3Store(svc, "bucket", "runs/small")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/small", store.Location())

	st := trainedState(t)
	require.NoError(t, NewWriter(store, nil).Save(context.Background(), FinalKey, st))
	assert.Equal(t, []string{
		"bucket/runs/small/final_model/config.json",
		"bucket/runs/small/final_model/model.bin",
		"bucket/runs/small/final_model/optimizer.bin",
		"bucket/runs/small/final_model/scheduler.json",
		"bucket/runs/small/final_model/trainer_state.json",
	}, svc.keys())

	restored := newState(t, 5)
	require.NoError(t, Load(context.Background(), store, FinalKey, restored))
	assert.Equal(t, st.Model.Parameters(), restored.Model.Parameters())
	assert.Equal(t, st.Progress, restored.Progress)

	assert.Error(t, Load(context.Background(), store, EpochKey(1), restored))
}

func TestOpenLocation(t *testing.T) {
	tests := []struct {
		loc     string
		wantKey string
		wantLoc string
		wantErr bool
	}{
		{loc: "model/model_epoch2", wantKey: "model_epoch2", wantLoc: "model"},
		{loc: "model/final_model/", wantKey: "final_model", wantLoc: "model"},
		{loc: "final_model", wantKey: "final_model", wantLoc: "."},
		{loc: "/final_model", wantKey: "final_model", wantLoc: "/"},
		{loc: "s3://bucket/run/final_model", wantKey: "final_model", wantLoc: "s3://bucket/run"},
		{loc: "s3://bucket/final_model", wantKey: "final_model", wantLoc: "s3://bucket"},
		{loc: "s3://bucket", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.loc, func(t *testing.T) {
			store, key, err := OpenLocation(tt.loc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantLoc, store.Location())
		})
	}
}

func TestEpochKey(t *testing.T) {
	assert.Equal(t, "model_epoch1", EpochKey(1))
	assert.Equal(t, "model_epoch12", EpochKey(12))
}
