package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rescp17/busFileSharer/pkg/bus"
	"github.com/rescp17/busFileSharer/pkg/fileInfo"
	"github.com/sirupsen/logrus"
)

// Publisher is the half of a transport the sender needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Result summarises a completed transfer.
type Result struct {
	TransferID string
	FileName   string
	FileHash   string
	MimeType   string
	Chunks     int64
	Bytes      int64
	Resends    int
	Elapsed    time.Duration
}

// Controller drives lock-step flow control: publish chunk N, wait for ack(N),
// advance. Only one chunk is ever in flight.
type Controller struct {
	config     *TransferConfig
	publisher  Publisher
	dataTopic  string
	serializer MessageSerializer
	log        logrus.FieldLogger
	now        func() time.Time
}

// flowState is the per-transfer sender state. outstanding only advances after
// the matching ack has been observed.
type flowState struct {
	transferID  string
	start       time.Time
	outstanding int64
	resends     int
}

func NewController(config *TransferConfig, publisher Publisher, dataTopic string, log logrus.FieldLogger) *Controller {
	if config == nil {
		config = DefaultTransferConfig()
	}
	return &Controller{
		config:     config,
		publisher:  publisher,
		dataTopic:  dataTopic,
		serializer: NewJSONSerializer(),
		log:        log,
		now:        time.Now,
	}
}

// NewTransferID derives a transfer identifier from the send start time.
func NewTransferID(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Send transfers the described file. acks must be a subscription to the status
// topic made before Send is called. The node's size and checksum are used as
// file_size and file_hash and are not recomputed.
func (c *Controller) Send(ctx context.Context, node *fileInfo.FileNode, acks <-chan bus.Message) (*Result, error) {
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateFilename(node.Name); err != nil {
		return nil, err
	}

	start := c.now()
	st := &flowState{
		transferID: NewTransferID(start),
		start:      start,
	}
	log := c.log.WithFields(logrus.Fields{
		"transfer_id": st.transferID,
		"file":        node.Name,
	})
	log.WithFields(logrus.Fields{
		"size":       humanize.IBytes(uint64(node.Size)),
		"mime_type":  node.MimeType,
		"chunk_size": c.config.ChunkSize,
	}).Info("START transfer file")

	splitter, err := NewChunkSplitter(node.Path, c.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer splitter.Close()

	var sent int64
	for {
		chunk, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		env := NewChunkEnvelope(st.transferID, node.Name, node.Size, node.Checksum, chunk.Number, chunk.Data)
		payload, err := c.serializer.MarshalEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk %d: %w", chunk.Number, err)
		}

		st.outstanding = chunk.Number
		if err := c.publisher.Publish(ctx, c.dataTopic, payload); err != nil {
			return nil, fmt.Errorf("failed to publish chunk %d: %w", chunk.Number, err)
		}
		log.WithFields(logrus.Fields{
			"chunk":   chunk.Number,
			"elapsed": int(c.now().Sub(st.start).Seconds()),
		}).Info("Sent chunk")

		if err := c.awaitAck(ctx, st, acks, payload, log); err != nil {
			return nil, err
		}
		sent += int64(len(chunk.Data))
	}

	payload, err := c.serializer.MarshalEnvelope(NewTerminalEnvelope(st.transferID, node.Name, node.Checksum))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal terminal record: %w", err)
	}
	if err := c.publisher.Publish(ctx, c.dataTopic, payload); err != nil {
		return nil, fmt.Errorf("failed to publish terminal record: %w", err)
	}

	result := &Result{
		TransferID: st.transferID,
		FileName:   node.Name,
		FileHash:   node.Checksum,
		MimeType:   node.MimeType,
		Chunks:     splitter.next,
		Bytes:      sent,
		Resends:    st.resends,
		Elapsed:    c.now().Sub(st.start),
	}
	log.WithFields(logrus.Fields{
		"chunks":  result.Chunks,
		"elapsed": result.Elapsed.Round(time.Millisecond),
	}).Info("END transfer file")
	return result, nil
}

// awaitAck blocks until the ack for st.outstanding arrives. Acks for any other
// chunk number are ignored. With an ack timeout configured the chunk payload is
// republished following the retry policy.
func (c *Controller) awaitAck(ctx context.Context, st *flowState, acks <-chan bus.Message, payload []byte, log logrus.FieldLogger) error {
	var (
		timeout <-chan time.Time
		timer   *time.Timer
		retries int
	)
	if c.config.AckTimeout > 0 {
		timer = time.NewTimer(c.config.AckTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-acks:
			if !ok {
				return fmt.Errorf("ack stream closed while waiting for chunk %d: %w", st.outstanding, bus.ErrClosed)
			}
			ack, err := c.serializer.UnmarshalAck(msg.Payload)
			if err != nil {
				return err
			}
			if ack.Number() != st.outstanding {
				log.WithFields(logrus.Fields{
					"ack":      ack.Number(),
					"expected": st.outstanding,
				}).Debug("Ignoring ack for another chunk")
				continue
			}
			return nil

		case <-timeout:
			if retries >= c.config.RetryPolicy.MaxRetries {
				return fmt.Errorf("%w: chunk %d of transfer %s after %d resends",
					ErrAckTimeout, st.outstanding, st.transferID, retries)
			}
			delay := c.config.RetryPolicy.GetRetryDelay(retries)
			retries++
			log.WithFields(logrus.Fields{
				"chunk": st.outstanding,
				"retry": retries,
				"delay": delay,
			}).Warn("No ack received, resending chunk")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if err := c.publisher.Publish(ctx, c.dataTopic, payload); err != nil {
				return fmt.Errorf("failed to resend chunk %d: %w", st.outstanding, err)
			}
			st.resends++
			timer.Reset(c.config.AckTimeout)
		}
	}
}
