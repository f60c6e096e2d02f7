package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Chunk is one raw slice of the source file.
type Chunk struct {
	Number int64
	Offset int64
	Data   []byte
}

// ChunkSplitter reads a file in fixed-size chunks from offset 0. A read that
// returns fewer than chunkSize bytes is the last chunk; a read of zero bytes
// ends the sequence with io.EOF.
type ChunkSplitter struct {
	file      *os.File
	chunkSize int
	next      int64
	offset    int64
	buffer    []byte
	done      bool
}

func NewChunkSplitter(path string, chunkSize int) (*ChunkSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, chunkSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, ErrIsDir
	}

	return &ChunkSplitter{
		file:      file,
		chunkSize: chunkSize,
		buffer:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk, or io.EOF once the file is exhausted.
func (c *ChunkSplitter) Next() (*Chunk, error) {
	if c.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.file, c.buffer)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		return nil, fmt.Errorf("%w: read %s at offset %d: %w", ErrIO, c.file.Name(), c.offset, err)
	}

	// Copy so callers may keep the chunk after the buffer is reused.
	data := make([]byte, n)
	copy(data, c.buffer[:n])

	chunk := &Chunk{
		Number: c.next,
		Offset: c.offset,
		Data:   data,
	}
	c.next++
	c.offset += int64(n)
	return chunk, nil
}

func (c *ChunkSplitter) Close() error {
	return c.file.Close()
}
