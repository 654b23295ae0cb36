package gpt2

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config uses the field names of a Hugging Face GPT2Config file so existing
// model_config.json files load unchanged.
type Config struct {
	NCtx             int     `json:"n_ctx"`
	NPositions       int     `json:"n_positions"`
	VocabSize        int     `json:"vocab_size"`
	NLayer           int     `json:"n_layer"`
	NHead            int     `json:"n_head"`
	NEmbd            int     `json:"n_embd"`
	InitializerRange float64 `json:"initializer_range"`
}

func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open model config: %w", err)
	}
	defer f.Close()
	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode model config %s: %w", path, err)
	}
	if cfg.NPositions == 0 {
		cfg.NPositions = cfg.NCtx
	}
	if cfg.InitializerRange == 0 {
		cfg.InitializerRange = 0.02
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.NCtx < 2:
		return fmt.Errorf("n_ctx must be at least 2, got %d", c.NCtx)
	case c.NPositions < c.NCtx:
		return fmt.Errorf("n_positions (%d) must not be smaller than n_ctx (%d)", c.NPositions, c.NCtx)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be greater than 0")
	case c.NLayer <= 0:
		return fmt.Errorf("n_layer must be greater than 0")
	case c.NHead <= 0:
		return fmt.Errorf("n_head must be greater than 0")
	case c.NEmbd <= 0 || c.NEmbd%c.NHead != 0:
		return fmt.Errorf("n_embd (%d) must be a positive multiple of n_head (%d)", c.NEmbd, c.NHead)
	}
	return nil
}
