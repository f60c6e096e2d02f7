package transfer

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// EncodingBase64 is the only chunk encoding scheme the protocol defines.
const EncodingBase64 = "base64"

// StatusTopicSuffix is appended to the data topic to form the ack topic.
const StatusTopicSuffix = "/status"

// WorkingFileSuffix terminates every receiver-side working file name.
const WorkingFileSuffix = "_.temp"

// TransferEnvelope is the wire message for one chunk or the terminal marker.
// Optional fields are pointers or omitempty so that absent fields are left out
// of the JSON object instead of being sent as null or zero.
type TransferEnvelope struct {
	TransferID  string  `json:"transfer_id"`
	FileName    string  `json:"filename"`
	FileSize    *int64  `json:"file_size,omitempty"`
	FileHash    string  `json:"file_hash,omitempty"`
	ChunkData   *string `json:"chunk_data,omitempty"`
	ChunkSize   *int    `json:"chunk_size,omitempty"`
	ChunkHash   string  `json:"chunk_hash,omitempty"`
	ChunkNumber *int64  `json:"chunk_number,omitempty"`
	Encoding    string  `json:"encoding"`
	End         *bool   `json:"end"`
}

// AckEnvelope confirms that a chunk was accepted and appended.
type AckEnvelope struct {
	ChunkNumber *int64 `json:"chunk_number"`
}

// NewAck builds the acknowledgment for chunk n.
func NewAck(n int64) *AckEnvelope {
	return &AckEnvelope{ChunkNumber: &n}
}

// Number returns the acknowledged chunk number.
func (a *AckEnvelope) Number() int64 {
	return *a.ChunkNumber
}

// NewChunkEnvelope encodes raw as chunk n of the described file.
func NewChunkEnvelope(transferID, fileName string, fileSize int64, fileHash string, n int64, raw []byte) *TransferEnvelope {
	text := base64.StdEncoding.EncodeToString(raw)
	size := len(raw)
	end := false
	return &TransferEnvelope{
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    &fileSize,
		FileHash:    fileHash,
		ChunkData:   &text,
		ChunkSize:   &size,
		ChunkHash:   HashText(text),
		ChunkNumber: &n,
		Encoding:    EncodingBase64,
		End:         &end,
	}
}

// NewTerminalEnvelope builds the end-of-transfer record. It carries no chunk fields.
func NewTerminalEnvelope(transferID, fileName, fileHash string) *TransferEnvelope {
	end := true
	return &TransferEnvelope{
		TransferID: transferID,
		FileName:   fileName,
		FileHash:   fileHash,
		Encoding:   EncodingBase64,
		End:        &end,
	}
}

// IsTerminal reports whether the envelope marks the end of the transfer.
func (e *TransferEnvelope) IsTerminal() bool {
	return e.End != nil && *e.End
}

// Number returns the chunk number, or -1 for the terminal record.
func (e *TransferEnvelope) Number() int64 {
	if e.ChunkNumber == nil {
		return -1
	}
	return *e.ChunkNumber
}

// VerifyChunkHash recomputes the MD5 of the encoded chunk text and compares it
// with chunk_hash.
func (e *TransferEnvelope) VerifyChunkHash() error {
	if got := HashText(*e.ChunkData); got != e.ChunkHash {
		return fmt.Errorf("%w: chunk %d of transfer %s: hash %s, expected %s",
			ErrChunkIntegrity, e.Number(), e.TransferID, got, e.ChunkHash)
	}
	return nil
}

// Decode returns the raw chunk bytes.
func (e *TransferEnvelope) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(*e.ChunkData)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d of transfer %s: %w", ErrProtocolDecode, e.Number(), e.TransferID, err)
	}
	return raw, nil
}

// Validate checks that the fields required for the record kind are present.
func (e *TransferEnvelope) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: missing field %q", ErrProtocolDecode, field)
	}
	if e.TransferID == "" {
		return missing("transfer_id")
	}
	if e.FileName == "" {
		return missing("filename")
	}
	if e.End == nil {
		return missing("end")
	}
	if e.Encoding != EncodingBase64 {
		return fmt.Errorf("%w: unsupported encoding %q", ErrProtocolDecode, e.Encoding)
	}
	if e.IsTerminal() {
		if e.FileHash == "" {
			return missing("file_hash")
		}
		return nil
	}
	if e.ChunkData == nil {
		return missing("chunk_data")
	}
	if e.ChunkHash == "" {
		return missing("chunk_hash")
	}
	if e.ChunkNumber == nil {
		return missing("chunk_number")
	}
	if *e.ChunkNumber < 0 {
		return fmt.Errorf("%w: negative chunk_number %d", ErrProtocolDecode, *e.ChunkNumber)
	}
	return nil
}

// ValidateFilename rejects names that are not a plain base name.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	case strings.ContainsAny(name, `/\`), filepath.Base(name) != name:
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeFilename, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrUnsafeFilename, name)
	}
	return nil
}

// WorkingFileName is the receiver-side scratch name for a transfer.
func WorkingFileName(transferID, fileName string) string {
	return transferID + "_" + fileName + WorkingFileSuffix
}

// StatusTopic derives the ack topic from the data topic.
func StatusTopic(dataTopic string) string {
	return dataTopic + StatusTopicSuffix
}

// HashText returns the lowercase hex MD5 of s.
func HashText(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
