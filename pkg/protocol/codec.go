package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec maps message bodies to bytes. The default is msgpack; a
// deployment may plug in any other mapping.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Msgpack is the default codec.
type Msgpack struct{}

func (Msgpack) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (Msgpack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// ErrUnknownType is returned for a frame whose type byte is not a
// defined message type.
var ErrUnknownType = errors.New("protocol: unknown message type")

// MaxFrameSize bounds a single frame on the wire. It must accommodate
// a full replication batch plus headroom for the envelope.
const MaxFrameSize = 4 * 1024 * 1024

// frame layout: u8 type | u64 correlationId | u32 bodyLen | body
const frameHeaderBytes = 1 + 8 + 4

// WriteFrame writes one framed message to the stream.
func WriteFrame(w io.Writer, c Codec, correlationID uint64, msg Message) error {
	body, err := c.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("protocol: frame body %d exceeds max %d", len(body), MaxFrameSize)
	}
	header := make([]byte, frameHeaderBytes)
	header[0] = byte(msg.Type())
	binary.BigEndian.PutUint64(header[1:9], correlationID)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, c Codec) (Message, uint64, error) {
	header := make([]byte, frameHeaderBytes)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	correlationID := binary.BigEndian.Uint64(header[1:9])
	bodyLen := binary.BigEndian.Uint32(header[9:13])
	if bodyLen > MaxFrameSize {
		return nil, 0, fmt.Errorf("protocol: frame body %d exceeds max %d", bodyLen, MaxFrameSize)
	}
	msg, ok := New(Type(header[0]))
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownType, header[0])
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, err
	}
	if err := c.Unmarshal(body, msg); err != nil {
		return nil, 0, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, correlationID, nil
}
