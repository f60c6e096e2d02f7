package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/sirupsen/logrus"
)

// ReceptionState is the per-transfer receiver state.
type ReceptionState int

const (
	StateAwaitingFirstChunk ReceptionState = iota
	StateAppendingChunks
	StateFinalized
)

func (s ReceptionState) String() string {
	switch s {
	case StateAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case StateAppendingChunks:
		return "appending_chunks"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// FileReception tracks one transfer. mu serializes every write to the working
// file and the terminal handling of the same transfer.
type FileReception struct {
	TransferID   string
	FileName     string
	WorkingPath  string
	State        ReceptionState
	NextChunk    int64
	ReceivedSize int64
	mu           sync.Mutex
}

// ReceptionStatus is a point-in-time copy of a FileReception.
type ReceptionStatus struct {
	TransferID   string
	FileName     string
	WorkingPath  string
	State        ReceptionState
	NextChunk    int64
	ReceivedSize int64
}

// ChunkReceiver validates inbound chunk records and appends them to the
// transfer's working file.
type ChunkReceiver struct {
	scratchDir     string
	strictSequence bool
	finalizer      *Finalizer
	log            logrus.FieldLogger

	mu        sync.Mutex
	transfers map[string]*FileReception
	// finalized remembers recently finished transfers so that late or
	// duplicated records for them are ignored; it holds at most history ids.
	finalized      map[string]ReceptionStatus
	finalizedOrder []string
	history        int
}

// DefaultFinalizedHistory bounds how many finished transfer ids a receiver
// remembers.
const DefaultFinalizedHistory = 1024

// NewChunkReceiver creates a receiver writing working files to scratchDir.
// With strictSequence a duplicate of an already appended chunk is acked again
// without being written, and a chunk past the next expected number is dropped.
// Without it every valid chunk above 0 is appended, duplicates included.
func NewChunkReceiver(scratchDir string, strictSequence bool, finalizer *Finalizer, log logrus.FieldLogger) *ChunkReceiver {
	return &ChunkReceiver{
		scratchDir:     scratchDir,
		strictSequence: strictSequence,
		finalizer:      finalizer,
		log:            log,
		transfers:      make(map[string]*FileReception),
		finalized:      make(map[string]ReceptionStatus),
		history:        DefaultFinalizedHistory,
	}
}

// reception returns the state of env's transfer, creating it on first sight.
// It returns nil, nil for a transfer that has already been finalized.
func (cr *ChunkReceiver) reception(env *transfer.TransferEnvelope) (*FileReception, error) {
	if err := transfer.ValidateFilename(env.FileName); err != nil {
		return nil, err
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	if _, done := cr.finalized[env.TransferID]; done {
		return nil, nil
	}
	fr, exists := cr.transfers[env.TransferID]
	if !exists {
		fr = &FileReception{
			TransferID:  env.TransferID,
			FileName:    env.FileName,
			WorkingPath: filepath.Join(cr.scratchDir, transfer.WorkingFileName(env.TransferID, env.FileName)),
			State:       StateAwaitingFirstChunk,
		}
		cr.transfers[env.TransferID] = fr
		return fr, nil
	}
	if fr.FileName != env.FileName {
		return nil, fmt.Errorf("%w: transfer %s changed filename from %q to %q",
			transfer.ErrProtocolDecode, env.TransferID, fr.FileName, env.FileName)
	}
	return fr, nil
}

// Status returns a copy of the state of a transfer.
func (cr *ChunkReceiver) Status(transferID string) (ReceptionStatus, bool) {
	cr.mu.Lock()
	fr, exists := cr.transfers[transferID]
	status, done := cr.finalized[transferID]
	cr.mu.Unlock()
	if done {
		return status, true
	}
	if !exists {
		return ReceptionStatus{}, false
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.status(), true
}

func (fr *FileReception) status() ReceptionStatus {
	return ReceptionStatus{
		TransferID:   fr.TransferID,
		FileName:     fr.FileName,
		WorkingPath:  fr.WorkingPath,
		State:        fr.State,
		NextChunk:    fr.NextChunk,
		ReceivedSize: fr.ReceivedSize,
	}
}

// retire moves a finalized transfer out of the active set into the bounded
// history, evicting the oldest remembered id when full.
func (cr *ChunkReceiver) retire(fr *FileReception) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	delete(cr.transfers, fr.TransferID)
	if _, exists := cr.finalized[fr.TransferID]; exists {
		return
	}
	cr.finalized[fr.TransferID] = fr.status()
	cr.finalizedOrder = append(cr.finalizedOrder, fr.TransferID)
	for len(cr.finalizedOrder) > cr.history {
		delete(cr.finalized, cr.finalizedOrder[0])
		cr.finalizedOrder = cr.finalizedOrder[1:]
	}
}

// Active returns the number of transfers that have not been finalized.
func (cr *ChunkReceiver) Active() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.transfers)
}

// HandleChunk validates and persists one chunk record. It returns the ack to
// publish, or nil when nothing must be acknowledged. A chunk whose hash does
// not match is never written nor acked.
func (cr *ChunkReceiver) HandleChunk(env *transfer.TransferEnvelope) (*transfer.AckEnvelope, error) {
	fr, err := cr.reception(env)
	if err != nil || fr == nil {
		return nil, err
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	n := env.Number()
	log := cr.log.WithFields(logrus.Fields{
		"transfer_id": fr.TransferID,
		"chunk":       n,
	})

	if fr.State == StateFinalized {
		log.Debug("Ignoring chunk for finalized transfer")
		return nil, nil
	}
	if err := env.VerifyChunkHash(); err != nil {
		return nil, err
	}
	raw, err := env.Decode()
	if err != nil {
		return nil, err
	}

	if cr.strictSequence && n > 0 {
		if fr.State == StateAwaitingFirstChunk || n > fr.NextChunk {
			return nil, fmt.Errorf("%w: transfer %s: chunk %d, expected %d",
				transfer.ErrSequenceGap, fr.TransferID, n, fr.NextChunk)
		}
		if n < fr.NextChunk {
			log.Debug("Duplicate chunk, acknowledging again without writing")
			return transfer.NewAck(n), nil
		}
	}

	if err := writeChunk(fr.WorkingPath, n, raw); err != nil {
		return nil, err
	}

	if n == 0 {
		if fr.State == StateAppendingChunks {
			log.Warn("Chunk 0 received again, working file truncated")
		}
		fr.ReceivedSize = 0
	}
	fr.State = StateAppendingChunks
	fr.NextChunk = n + 1
	fr.ReceivedSize += int64(len(raw))

	log.WithField("path", fr.WorkingPath).Debug("Saved chunk")
	return transfer.NewAck(n), nil
}

// HandleTerminal moves the transfer to Finalized and runs the finalizer. A
// repeated terminal record for an already finalized transfer returns nil, nil.
func (cr *ChunkReceiver) HandleTerminal(env *transfer.TransferEnvelope) (*FinalizeResult, error) {
	fr, err := cr.reception(env)
	if err != nil {
		return nil, err
	}
	if fr == nil {
		cr.log.WithField("transfer_id", env.TransferID).Debug("Ignoring repeated terminal record")
		return nil, nil
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.State == StateFinalized {
		return nil, nil
	}
	fr.State = StateFinalized
	defer cr.retire(fr)
	return cr.finalizer.Finalize(env)
}

// writeChunk truncates the working file for chunk 0 and appends otherwise.
func writeChunk(path string, n int64, raw []byte) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if n == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", transfer.ErrIO, path, err)
	}
	written, err := file.Write(raw)
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: write chunk %d to %s: %w", transfer.ErrIO, n, path, err)
	}
	if written != len(raw) {
		file.Close()
		return fmt.Errorf("%w: incomplete write of chunk %d: expected %d bytes, wrote %d",
			transfer.ErrIO, n, len(raw), written)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("%w: sync %s: %w", transfer.ErrIO, path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", transfer.ErrIO, path, err)
	}
	return nil
}
