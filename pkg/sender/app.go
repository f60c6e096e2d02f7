package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescp17/busFileSharer/pkg/bus"
	"github.com/rescp17/busFileSharer/pkg/concurrency"
	"github.com/rescp17/busFileSharer/pkg/fileInfo"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/sirupsen/logrus"
)

// App is the sender side: it owns the status subscription and runs one
// TransferController session at a time.
type App struct {
	transport   bus.Transport
	controller  *transfer.Controller
	dataTopic   string
	statusTopic string
	guard       *concurrency.ConcurrencyGuard
	log         logrus.FieldLogger
}

// NewApp creates a sender publishing on dataTopic and listening for acks on
// its status topic.
func NewApp(transport bus.Transport, config *transfer.TransferConfig, dataTopic string, log logrus.FieldLogger) *App {
	log = log.WithField("role", "sender")
	return &App{
		transport:   transport,
		controller:  transfer.NewController(config, transport, dataTopic, log),
		dataTopic:   dataTopic,
		statusTopic: transfer.StatusTopic(dataTopic),
		guard:       concurrency.NewConcurrencyGuard(),
		log:         log,
	}
}

// Send transfers the file at path. It returns concurrency.ErrBusy if another
// Send on the same App has not finished.
func (a *App) Send(ctx context.Context, path string) (*transfer.Result, error) {
	var result *transfer.Result
	err := a.guard.ExecuteWithContext(ctx, func(ctx context.Context) error {
		node, err := fileInfo.CreateNode(path)
		if errors.Is(err, fileInfo.ErrIsDir) {
			return fmt.Errorf("%w: %s", transfer.ErrIsDir, path)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", transfer.ErrIO, err)
		}
		a.log.WithFields(logrus.Fields{
			"file":      node.Name,
			"mime_type": node.MimeType,
			"file_hash": node.Checksum,
		}).Debug("Described source file")

		// The subscription must exist before the first chunk is published so
		// that the ack for chunk 0 cannot be missed.
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		acks, err := a.transport.Subscribe(subCtx, a.statusTopic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", a.statusTopic, err)
		}

		result, err = a.controller.Send(subCtx, &node, acks)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
