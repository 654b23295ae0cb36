// Package train drives the epoch and batch loop: forward and backward through
// an executor, gradient accumulation and clipping, the optimizer and
// learning-rate schedule, loss logging and checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshcarp/llmtrain/internal/checkpoint"
	"github.com/joshcarp/llmtrain/internal/config"
	"github.com/joshcarp/llmtrain/internal/executor"
	"github.com/joshcarp/llmtrain/internal/optim"
	"github.com/joshcarp/llmtrain/internal/runlog"
	"github.com/joshcarp/llmtrain/internal/window"
)

// Summary counts what a Run did.
type Summary struct {
	Epochs     int
	BatchSteps int

	// accumulation windows completed, including those whose update was
	// skipped after an overflow
	OptimizerSteps int
	Overflows      int
}

type Trainer struct {
	cfg      config.Training
	exec     executor.Executor
	stream   window.Stream
	windows  []window.Window
	nCtx     int
	opt      *optim.AdamW
	sched    *optim.WarmupLinear
	scaler   *optim.Scaler
	writer   *checkpoint.Writer
	windower *window.Windower
	recorder runlog.Recorder
	logger   *slog.Logger

	// completed epochs and optimizer steps, non-zero after Resume
	epoch      int
	globalStep int
}

type Option func(*Trainer)

func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

func WithRecorder(r runlog.Recorder) Option {
	return func(t *Trainer) { t.recorder = r }
}

// WithWindower replaces the unseeded shuffle, for tests.
func WithWindower(w *window.Windower) Option {
	return func(t *Trainer) { t.windower = w }
}

// TotalSteps estimates the optimizer steps of the whole run from the stream
// length, as tokens/stride windows per epoch.
func TotalSteps(tokens int, cfg config.Training) int {
	chunks := tokens / cfg.Stride
	return int(float64(chunks) * float64(cfg.Epochs) / float64(cfg.BatchSize) / float64(cfg.GradientAccumulation))
}

// New prepares a run over stream. The window length is the model's context
// length.
func New(cfg config.Training, exec executor.Executor, stream window.Stream, writer *checkpoint.Writer, opts ...Option) (*Trainer, error) {
	if writer == nil {
		return nil, errors.New("trainer needs a checkpoint writer")
	}
	scaler, err := optim.NewScaler(cfg.FP16, cfg.FP16OptLevel)
	if err != nil {
		return nil, err
	}
	m := exec.Model()
	t := &Trainer{
		cfg:      cfg,
		exec:     exec,
		stream:   stream,
		nCtx:     m.ContextLength(),
		opt:      optim.NewAdamW(len(m.Parameters()), cfg.AdamEpsilon, cfg.WeightDecay),
		sched:    optim.NewWarmupLinear(cfg.LearningRate, cfg.WarmupSteps, TotalSteps(len(stream), cfg)),
		scaler:   scaler,
		writer:   writer,
		windower: &window.Windower{},
		recorder: runlog.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.windows = window.Windows(len(stream), t.nCtx, cfg.Stride)
	return t, nil
}

func (t *Trainer) state() *checkpoint.State {
	return &checkpoint.State{
		Model:     t.exec.Model(),
		Optimizer: t.opt,
		Scheduler: t.sched,
		Progress:  checkpoint.Progress{Epoch: t.epoch, GlobalStep: t.globalStep},
	}
}

// Resume loads model, optimizer and scheduler state from a checkpoint. Run
// then continues with the epoch after the one the checkpoint recorded.
func (t *Trainer) Resume(ctx context.Context, store checkpoint.Store, key string) error {
	st := t.state()
	if err := checkpoint.Load(ctx, store, key, st); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	t.epoch, t.globalStep = st.Progress.Epoch, st.Progress.GlobalStep
	t.logger.Info("resumed", "key", key, "epoch", t.epoch, "global_step", t.globalStep)
	return nil
}

// Run trains the remaining epochs and writes a checkpoint after each one and
// a final one at the end.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	perEpoch := len(t.windows) / t.cfg.BatchSize / t.cfg.GradientAccumulation
	t.logger.Info("starting training",
		"tokens", len(t.stream),
		"windows", len(t.windows),
		"optimizer_steps_per_epoch", perEpoch,
		"total_steps", t.sched.Total,
		"devices", t.exec.Devices())

	for t.epoch < t.cfg.Epochs {
		epoch := t.epoch + 1
		start := time.Now()
		t.logger.Info("epoch started", "epoch", epoch, "time", start.Format(time.DateTime))

		steps, optSteps, overflows, err := t.runEpoch(ctx, epoch)
		sum.BatchSteps += steps
		sum.OptimizerSteps += optSteps
		sum.Overflows += overflows
		if err != nil {
			return sum, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		t.epoch = epoch
		t.logger.Info("saving model", "epoch", epoch)
		if err := t.writer.Save(ctx, checkpoint.EpochKey(epoch), t.state()); err != nil {
			return sum, err
		}
		end := time.Now()
		t.logger.Info("epoch finished", "epoch", epoch, "time", end.Format(time.DateTime), "duration", end.Sub(start))
		if err := t.recorder.RecordEpoch(ctx, runlog.Epoch{
			Epoch: epoch, Started: start, Finished: end, OptimizerSteps: optSteps, Overflows: overflows,
		}); err != nil {
			return sum, err
		}
		sum.Epochs++
	}

	t.logger.Info("training finished")
	if err := t.writer.Save(ctx, checkpoint.FinalKey, t.state()); err != nil {
		return sum, err
	}
	return sum, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (steps, optSteps, overflows int, err error) {
	m := t.exec.Model()
	ga := t.cfg.GradientAccumulation
	scale := 1 / float32(ga)

	t.windower.Shuffle(t.windows)
	batches := window.Batches(t.windows, t.cfg.BatchSize)
	var running float64
	skip := false
	for i, batch := range batches {
		rows := t.stream.Rows(batch)
		var loss float32
		overflow, err := t.scaler.Backward(m.Gradients(), scale, func(s float32) error {
			var err error
			loss, err = t.exec.Step(rows, len(batch), t.nCtx, s)
			return err
		})
		if err != nil {
			return steps, optSteps, overflows, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps++
		if overflow {
			overflows++
			skip = true
			t.logger.Debug("gradient overflow, update skipped", "epoch", epoch, "step", i+1, "loss_scale", t.scaler.Scale())
		}
		optim.ClipGradNorm(m.Gradients(), t.cfg.MaxGradNorm)

		if (i+1)%ga != 0 {
			continue
		}
		running += float64(loss) / float64(ga)
		// the schedule advances even when the update is skipped
		t.sched.Step()
		lr := t.sched.LR()
		if !skip {
			if err := t.opt.Step(m.Parameters(), m.Gradients(), lr); err != nil {
				return steps, optSteps, overflows, err
			}
		}
		skip = false
		m.ZeroGradients()
		optSteps++
		t.globalStep++

		if optSteps%t.cfg.LogStep == 0 {
			mean := running * float64(ga*ga) / float64(t.cfg.LogStep)
			t.logger.Info("step", "step", optSteps, "epoch", epoch, "loss", mean, "lr", lr)
			if err := t.recorder.RecordLoss(ctx, runlog.Point{
				Epoch: epoch, Step: optSteps, GlobalStep: t.globalStep, Loss: mean, LR: lr, Time: time.Now(),
			}); err != nil {
				return steps, optSteps, overflows, err
			}
			running = 0
		}
	}
	return steps, optSteps, overflows, nil
}
