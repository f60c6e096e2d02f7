package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rescp17/busFileSharer/internal/util"
	"github.com/rescp17/busFileSharer/pkg/bus"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds the receiver settings.
type Config struct {
	DataTopic         string `mapstructure:"topic"`
	ScratchDir        string `mapstructure:"scratch_dir"`
	TargetDir         string `mapstructure:"target_dir"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	StrictSequence    bool   `mapstructure:"strict_sequence"`
	ExitAfterTransfer bool   `mapstructure:"exit_after_transfer"`
}

func DefaultConfig() Config {
	return Config{
		DataTopic:         "/file",
		ScratchDir:        "temp",
		TargetDir:         ".",
		MaxWorkers:        8,
		StrictSequence:    true,
		ExitAfterTransfer: true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.DataTopic == "":
		return fmt.Errorf("%w: topic cannot be empty", transfer.ErrInvalidConfiguration)
	case c.ScratchDir == "":
		return fmt.Errorf("%w: scratch_dir cannot be empty", transfer.ErrInvalidConfiguration)
	case c.TargetDir == "":
		return fmt.Errorf("%w: target_dir cannot be empty", transfer.ErrInvalidConfiguration)
	case c.MaxWorkers <= 0:
		return fmt.Errorf("%w: max_workers must be positive", transfer.ErrInvalidConfiguration)
	}
	return nil
}

// App consumes the data topic, persists chunks, publishes acks on the status
// topic and finalizes transfers.
type App struct {
	config      Config
	transport   bus.Transport
	chunks      *ChunkReceiver
	serializer  transfer.MessageSerializer
	statusTopic string
	log         logrus.FieldLogger

	mu          sync.Mutex
	onFinalized func(*FinalizeResult)
}

// NewApp validates config and creates the scratch and target directories.
func NewApp(config Config, transport bus.Transport, log logrus.FieldLogger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{config.ScratchDir, config.TargetDir} {
		if err := util.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("%w: create dir %s: %w", transfer.ErrIO, dir, err)
		}
	}

	log = log.WithField("role", "receiver")
	finalizer := NewFinalizer(config.ScratchDir, config.TargetDir, log)
	return &App{
		config:      config,
		transport:   transport,
		chunks:      NewChunkReceiver(config.ScratchDir, config.StrictSequence, finalizer, log),
		serializer:  transfer.NewJSONSerializer(),
		statusTopic: transfer.StatusTopic(config.DataTopic),
		log:         log,
	}, nil
}

// OnFinalized registers a callback invoked after every promoted file.
func (a *App) OnFinalized(fn func(*FinalizeResult)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinalized = fn
}

// Chunks exposes the per-transfer state machine.
func (a *App) Chunks() *ChunkReceiver {
	return a.chunks
}

// Run processes the data topic until ctx is cancelled, a fatal error occurs,
// or, with ExitAfterTransfer, the first transfer has been finalized.
// Records of one transfer are handled in arrival order by a single worker;
// at most MaxWorkers transfers are handled at once.
func (a *App) Run(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := a.transport.Subscribe(subCtx, a.config.DataTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.config.DataTopic, err)
	}
	a.log.WithField("topic", a.config.DataTopic).Info("Waiting for transfers")

	g, gctx := errgroup.WithContext(subCtx)
	g.SetLimit(a.config.MaxWorkers)

	var (
		queued    = newLanes()
		finished  = make(chan struct{})
		once      sync.Once
		closed    bool
		decodeErr error
	)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case <-finished:
			break loop
		case msg, ok := <-msgs:
			if !ok {
				closed = true
				break loop
			}
			env, err := a.serializer.UnmarshalEnvelope(msg.Payload)
			if err != nil {
				a.log.WithError(err).Error("Failed to decode message")
				decodeErr = err
				cancel()
				break loop
			}
			if !queued.push(env) {
				continue
			}
			transferID := env.TransferID
			g.Go(func() error {
				for {
					env, ok := queued.pop(transferID)
					if !ok {
						return nil
					}
					done, err := a.handle(gctx, env)
					if done && a.config.ExitAfterTransfer {
						once.Do(func() { close(finished) })
					}
					if err != nil {
						return err
					}
				}
			})
		}
	}

	waitErr := g.Wait()
	if decodeErr != nil {
		return decodeErr
	}
	if waitErr != nil {
		return waitErr
	}
	select {
	case <-finished:
		return nil
	default:
	}
	// Cancelling ctx also ends the subscription, so check it before closed.
	if err := ctx.Err(); err != nil {
		return err
	}
	if closed {
		return bus.ErrClosed
	}
	return nil
}

// handle processes one decoded record. It reports whether a transfer was
// finalized and returns only errors that must stop the receiver.
func (a *App) handle(ctx context.Context, env *transfer.TransferEnvelope) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	log := a.log.WithFields(logrus.Fields{
		"transfer_id": env.TransferID,
		"file":        env.FileName,
	})

	if env.IsTerminal() {
		result, err := a.chunks.HandleTerminal(env)
		if err != nil {
			log.WithError(err).Error("Failed to finalize transfer")
			if errors.Is(err, transfer.ErrFileIntegrity) && !a.config.ExitAfterTransfer {
				return false, nil
			}
			return false, err
		}
		if result == nil {
			return false, nil
		}
		a.mu.Lock()
		fn := a.onFinalized
		a.mu.Unlock()
		if fn != nil {
			fn(result)
		}
		return true, nil
	}

	ack, err := a.chunks.HandleChunk(env)
	if err != nil {
		if transfer.IsFatal(err) {
			log.WithError(err).Error("Failed to save chunk")
			return false, err
		}
		log.WithError(err).WithField("chunk", env.Number()).Warn("Dropping chunk")
		return false, nil
	}
	if ack == nil {
		return false, nil
	}

	payload, err := a.serializer.MarshalAck(ack)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ack %d: %w", ack.Number(), err)
	}
	if err := a.transport.Publish(ctx, a.statusTopic, payload); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to publish ack %d: %w", ack.Number(), err)
	}
	log.WithField("chunk", ack.Number()).Info("Saved chunk")
	return false, nil
}
