// Package cli wires the components into the llmtrain command.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshcarp/llmtrain/internal/checkpoint"
	"github.com/joshcarp/llmtrain/internal/config"
	"github.com/joshcarp/llmtrain/internal/corpus"
	"github.com/joshcarp/llmtrain/internal/executor"
	"github.com/joshcarp/llmtrain/internal/gpt2"
	"github.com/joshcarp/llmtrain/internal/optim"
	"github.com/joshcarp/llmtrain/internal/runlog"
	"github.com/joshcarp/llmtrain/internal/tokenizer"
	"github.com/joshcarp/llmtrain/internal/train"
)

// basic BERT style vocabulary for fetch-vocab
const defaultVocabURL = "https://huggingface.co/bert-base-chinese/resolve/main/vocab.txt"

type rootFlags struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree. Output and logs go to the
// command's stderr.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "llmtrain",
		Short: "Tokenize a corpus and train a GPT-2 model on it",
		Long: `
		llmtrain turns a corpus of JSON documents into a flat token stream and trains an
		autoregressive GPT-2 model over overlapping windows of it, writing a checkpoint after
		every epoch.
	`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
				return fmt.Errorf("bad --log-level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML run configuration; defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(newBuildCmd(flags), newTrainCmd(flags), newSampleCmd(flags), newFetchVocabCmd())
	return rootCmd
}

func loadConfig(flags *rootFlags, override func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newBuildCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Tokenize the raw corpus into the token stream file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, nil)
			if err != nil {
				return err
			}
			tok, err := tokenizer.New(cfg.Tokenizer)
			if err != nil {
				return err
			}
			stream, err := corpus.Rebuild(cfg, tok, slog.Default())
			if err != nil {
				return err
			}
			if preview, err := tok.Decode(stream[:min(len(stream), 32)]); err == nil {
				slog.Debug("stream preview", "text", preview)
			}
			return nil
		},
	}
}

type trainFlags struct {
	raw     bool
	resume  string
	devices int
}

func newTrainCmd(flags *rootFlags) *cobra.Command {
	tf := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model over the token stream",
		Long: `This command (re)builds the token stream when training.raw is set, then trains for the configured
	number of epochs. Checkpoints are written to output.dir/model_epoch{N} and output.dir/final_model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, func(c *config.Config) {
				if cmd.Flags().Changed("raw") {
					c.Training.Raw = tf.raw
				}
				if cmd.Flags().Changed("devices") {
					c.Training.Devices = tf.devices
				}
			})
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, tf.resume)
		},
	}
	cmd.Flags().BoolVar(&tf.raw, "raw", false, "rebuild the token stream from data.raw_paths before training")
	cmd.Flags().StringVar(&tf.resume, "resume", "", "checkpoint to continue from, e.g. model/model_epoch2")
	cmd.Flags().IntVar(&tf.devices, "devices", 1, "number of model replicas a batch is split over")
	return cmd
}

func runTrain(ctx context.Context, cfg config.Config, resume string) error {
	logger := slog.Default()
	// before any data is touched
	if _, err := optim.NewScaler(cfg.Training.FP16, cfg.Training.FP16OptLevel); err != nil {
		return err
	}
	modelCfg, err := gpt2.LoadConfig(cfg.ModelConfig)
	if err != nil {
		return err
	}

	var tok tokenizer.Tokenizer
	if cfg.Training.Raw {
		if tok, err = tokenizer.New(cfg.Tokenizer); err != nil {
			return err
		}
	}
	stream, err := corpus.Prepare(cfg, tok, logger)
	if err != nil {
		return err
	}

	m, err := gpt2.New(modelCfg, cfg.Training.Seed)
	if err != nil {
		return err
	}
	logger.Info("model ready", "n_ctx", modelCfg.NCtx, "n_layer", modelCfg.NLayer, "n_embd", modelCfg.NEmbd, "parameters", len(m.Parameters()))
	logger.Debug(m.String())
	exec, err := executor.New(m, cfg.Training.Devices)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(cfg.Output.Dir)
	if err != nil {
		return err
	}
	opts := []train.Option{train.WithLogger(logger)}
	if cfg.Output.MetricsDB != "" {
		rec, err := runlog.Open(cfg.Output.MetricsDB)
		if err != nil {
			return fmt.Errorf("open metrics db: %w", err)
		}
		defer rec.Close()
		opts = append(opts, train.WithRecorder(rec))
	}
	trainer, err := train.New(cfg.Training, exec, stream, checkpoint.NewWriter(store, logger), opts...)
	if err != nil {
		return err
	}
	if resume != "" {
		from, key, err := checkpoint.OpenLocation(resume)
		if err != nil {
			return err
		}
		if err := trainer.Resume(ctx, from, key); err != nil {
			return err
		}
	}
	sum, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("done", "epochs", sum.Epochs, "batch_steps", sum.BatchSteps, "optimizer_steps", sum.OptimizerSteps, "overflows", sum.Overflows)
	return nil
}

func newSampleCmd(flags *rootFlags) *cobra.Command {
	var (
		from   string
		prompt string
		tokens int
		seed   uint64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Continue a prompt with a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, nil)
			if err != nil {
				return err
			}
			tok, err := tokenizer.New(cfg.Tokenizer)
			if err != nil {
				return err
			}
			store, key, err := checkpoint.OpenLocation(from)
			if err != nil {
				return err
			}
			var modelCfg gpt2.Config
			if err := checkpoint.LoadModelConfig(cmd.Context(), store, key, &modelCfg); err != nil {
				return err
			}
			m, err := gpt2.New(modelCfg, seed)
			if err != nil {
				return err
			}
			if err := checkpoint.LoadModel(cmd.Context(), store, key, m); err != nil {
				return err
			}
			ids, err := tok.Encode(prompt)
			if err != nil {
				return err
			}
			out, err := m.Generate(ids, tokens, rand.New(rand.NewPCG(seed, seed+1)))
			if err != nil {
				return err
			}
			text, err := tok.Decode(out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "checkpoint", "model/final_model", "checkpoint to sample from")
	cmd.Flags().StringVar(&prompt, "prompt", "", "text to continue")
	cmd.Flags().IntVar(&tokens, "tokens", 32, "number of tokens to generate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "sampling seed")
	return cmd
}

func newFetchVocabCmd() *cobra.Command {
	var url, out string
	cmd := &cobra.Command{
		Use:   "fetch-vocab",
		Short: "Download a vocabulary file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tokenizer.Fetch(cmd.Context(), url, out, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultVocabURL, "file to download")
	cmd.Flags().StringVar(&out, "out", "cache/vocab_small.txt", "where to write it")
	return cmd
}

func InitializeCommand() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
