package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model_config: cfg/model.json
tokenizer:
  kind: tiktoken
  encoding: cl100k_base
training:
  epochs: 2
  batch_size: 4
  stride: 64
  gradient_accumulation: 2
output:
  dir: s3://bucket/run1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cfg/model.json", cfg.ModelConfig)
	assert.Equal(t, "tiktoken", cfg.Tokenizer.Kind)
	assert.Equal(t, 2, cfg.Training.Epochs)
	assert.Equal(t, 4, cfg.Training.BatchSize)
	assert.Equal(t, 2, cfg.Training.GradientAccumulation)
	assert.Equal(t, "s3://bucket/run1", cfg.Output.Dir)
	// untouched fields keep their defaults
	assert.Equal(t, 1.5e-4, cfg.Training.LearningRate)
	assert.Equal(t, 250, cfg.Training.LogStep)
	assert.Equal(t, "[CLS]", cfg.Tokenizer.SeparatorToken)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("training:\n  epoch: 3\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err, "unknown fields are rejected")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, ok: true},
		{name: "zero stride", mutate: func(c *Config) { c.Training.Stride = 0 }},
		{name: "stride above context is allowed", mutate: func(c *Config) { c.Training.Stride = 1 << 20 }, ok: true},
		{name: "zero epochs", mutate: func(c *Config) { c.Training.Epochs = 0 }},
		{name: "zero batch", mutate: func(c *Config) { c.Training.BatchSize = 0 }},
		{name: "zero accumulation", mutate: func(c *Config) { c.Training.GradientAccumulation = 0 }},
		{name: "zero log step", mutate: func(c *Config) { c.Training.LogStep = 0 }},
		{name: "zero devices", mutate: func(c *Config) { c.Training.Devices = 0 }},
		{name: "unknown tokenizer", mutate: func(c *Config) { c.Tokenizer.Kind = "sentencepiece" }},
		{name: "tiktoken without encoding", mutate: func(c *Config) {
			c.Tokenizer.Kind = "tiktoken"
			c.Tokenizer.Encoding = ""
		}},
		{name: "raw without corpus", mutate: func(c *Config) { c.Data.RawPaths = nil }},
		{name: "reuse without corpus", mutate: func(c *Config) {
			c.Data.RawPaths = nil
			c.Training.Raw = false
		}, ok: true},
		{name: "no separator", mutate: func(c *Config) { c.Tokenizer.SeparatorToken = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
