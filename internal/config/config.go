package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full, immutable run configuration. It is built once by Load
// and handed by value to the components that need it.
type Config struct {
	ModelConfig string    `yaml:"model_config"`
	Tokenizer   Tokenizer `yaml:"tokenizer"`
	Data        Data      `yaml:"data"`
	Training    Training  `yaml:"training"`
	Output      Output    `yaml:"output"`
}

type Tokenizer struct {
	Kind            string `yaml:"kind"` // vocab, tiktoken or huggingface
	VocabPath       string `yaml:"vocab_path"`
	Encoding        string `yaml:"encoding"`
	ParagraphMarker string `yaml:"paragraph_marker"`
	SeparatorToken  string `yaml:"separator_token"`
	LowerCase       bool   `yaml:"lower_case"`
}

type Data struct {
	RawPaths      []string `yaml:"raw_paths"`
	TokenizedPath string   `yaml:"tokenized_path"`
	MinLength     int      `yaml:"min_length"`
}

type Training struct {
	Raw                  bool    `yaml:"raw"`
	Epochs               int     `yaml:"epochs"`
	BatchSize            int     `yaml:"batch_size"`
	LearningRate         float64 `yaml:"lr"`
	WarmupSteps          int     `yaml:"warmup_steps"`
	LogStep              int     `yaml:"log_step"`
	Stride               int     `yaml:"stride"`
	GradientAccumulation int     `yaml:"gradient_accumulation"`
	FP16                 bool    `yaml:"fp16"`
	FP16OptLevel         string  `yaml:"fp16_opt_level"`
	MaxGradNorm          float64 `yaml:"max_grad_norm"`
	Devices              int     `yaml:"devices"`
	WeightDecay          float64 `yaml:"weight_decay"`
	AdamEpsilon          float64 `yaml:"adam_epsilon"`
	Seed                 uint64  `yaml:"seed"`
}

type Output struct {
	Dir       string `yaml:"dir"`
	MetricsDB string `yaml:"metrics_db"`
}

// Default holds the hyper-parameters of the small-model run in config/train.yaml.
func Default() Config {
	return Config{
		ModelConfig: "config/model_config_small.json",
		Tokenizer: Tokenizer{
			Kind:            "vocab",
			VocabPath:       "cache/vocab_small.txt",
			Encoding:        "cl100k_base",
			ParagraphMarker: "[SEP]",
			SeparatorToken:  "[CLS]",
		},
		Data: Data{
			RawPaths:      []string{"data/train.json"},
			TokenizedPath: "data/tokenized/tokenized_train.txt",
			MinLength:     128,
		},
		Training: Training{
			Raw:                  true,
			Epochs:               5,
			BatchSize:            12,
			LearningRate:         1.5e-4,
			WarmupSteps:          2000,
			LogStep:              250,
			Stride:               768,
			GradientAccumulation: 1,
			FP16:                 false,
			FP16OptLevel:         "O1",
			MaxGradNorm:          1.0,
			Devices:              1,
			WeightDecay:          0.0,
			AdamEpsilon:          1e-6,
		},
		Output: Output{
			Dir: "model",
		},
	}
}

// Load decodes the YAML file at path over Default. An empty path returns the
// defaults. The result is not validated; callers apply overrides first and
// then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	t := c.Training
	switch {
	case c.ModelConfig == "":
		return fmt.Errorf("%w: model_config must be set", ErrInvalid)
	case len(c.Data.RawPaths) == 0 && t.Raw:
		return fmt.Errorf("%w: data.raw_paths must be set when training.raw is true", ErrInvalid)
	case c.Data.TokenizedPath == "":
		return fmt.Errorf("%w: data.tokenized_path must be set", ErrInvalid)
	case c.Data.MinLength < 0:
		return fmt.Errorf("%w: data.min_length must not be negative", ErrInvalid)
	case t.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be greater than 0", ErrInvalid)
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be greater than 0", ErrInvalid)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: lr must be greater than 0", ErrInvalid)
	case t.WarmupSteps < 0:
		return fmt.Errorf("%w: warmup_steps must not be negative", ErrInvalid)
	case t.LogStep <= 0:
		return fmt.Errorf("%w: log_step must be greater than 0", ErrInvalid)
	case t.Stride <= 0:
		return fmt.Errorf("%w: stride must be greater than 0", ErrInvalid)
	case t.GradientAccumulation <= 0:
		return fmt.Errorf("%w: gradient_accumulation must be greater than 0", ErrInvalid)
	case t.MaxGradNorm <= 0:
		return fmt.Errorf("%w: max_grad_norm must be greater than 0", ErrInvalid)
	case t.Devices <= 0:
		return fmt.Errorf("%w: devices must be greater than 0", ErrInvalid)
	case t.WeightDecay < 0:
		return fmt.Errorf("%w: weight_decay must not be negative", ErrInvalid)
	case t.AdamEpsilon <= 0:
		return fmt.Errorf("%w: adam_epsilon must be greater than 0", ErrInvalid)
	case c.Output.Dir == "":
		return fmt.Errorf("%w: output.dir must be set", ErrInvalid)
	}
	switch c.Tokenizer.Kind {
	case "vocab", "huggingface":
		if c.Tokenizer.VocabPath == "" {
			return fmt.Errorf("%w: tokenizer.vocab_path must be set for %s", ErrInvalid, c.Tokenizer.Kind)
		}
	case "tiktoken":
		if c.Tokenizer.Encoding == "" {
			return fmt.Errorf("%w: tokenizer.encoding must be set for tiktoken", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown tokenizer kind %q", ErrInvalid, c.Tokenizer.Kind)
	}
	if strings.TrimSpace(c.Tokenizer.SeparatorToken) == "" {
		return fmt.Errorf("%w: tokenizer.separator_token must be set", ErrInvalid)
	}
	return nil
}
