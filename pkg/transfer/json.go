package transfer

import (
	"encoding/json"
	"fmt"
)

// MessageSerializer converts envelopes to and from bus payloads.
type MessageSerializer interface {
	MarshalEnvelope(env *TransferEnvelope) ([]byte, error)
	UnmarshalEnvelope(data []byte) (*TransferEnvelope, error)
	MarshalAck(ack *AckEnvelope) ([]byte, error)
	UnmarshalAck(data []byte) (*AckEnvelope, error)
	Name() string
}

type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (j *JSONSerializer) MarshalEnvelope(env *TransferEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes and validates a TransferEnvelope. Any failure is
// reported as ErrProtocolDecode.
func (j *JSONSerializer) UnmarshalEnvelope(data []byte) (*TransferEnvelope, error) {
	var env TransferEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (j *JSONSerializer) MarshalAck(ack *AckEnvelope) ([]byte, error) {
	return json.Marshal(ack)
}

func (j *JSONSerializer) UnmarshalAck(data []byte) (*AckEnvelope, error) {
	var ack AckEnvelope
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	}
	if ack.ChunkNumber == nil {
		return nil, fmt.Errorf("%w: missing field %q", ErrProtocolDecode, "chunk_number")
	}
	return &ack, nil
}

func (j *JSONSerializer) Name() string {
	return "json"
}
