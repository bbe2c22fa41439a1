// Package log implements the segmented, append-only replicated log.
// The log is an ordered collection of segments, each a data file plus
// an offset index, fronted by a manager that handles rotation,
// commitment, recovery and compaction.
package log

import (
	"github.com/copycat-io/copycat/pkg/buffer"
)

// Kind identifies the type of a log entry.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindNoop
	KindConfiguration
)

// Entry is a single replicated log record. Index is assigned by the
// log on append and is implicit on disk; the remaining fields are the
// stored representation.
type Entry struct {
	Index     uint64
	Term      uint64
	Kind      Kind
	Key       []byte
	Payload   []byte
	Timestamp uint64
}

// entry layout on disk:
//
//	u32 length | u8 kind | u64 term | u64 timestamp | uvarint keyLen | key | payload
//
// length includes itself, which permits skip-scan recovery.
const entryFixedBytes = 4 + 1 + 8 + 8

// Size returns the encoded size of the entry in bytes.
func (e *Entry) Size() uint32 {
	return uint32(entryFixedBytes + buffer.UvarintLen(uint64(len(e.Key))) + len(e.Key) + len(e.Payload))
}

// writeEntry encodes the entry at the writer's current position.
func writeEntry(w *buffer.Writer, e *Entry) error {
	if err := w.WriteUint32(e.Size()); err != nil {
		return err
	}
	if err := w.WriteUint8(uint8(e.Kind)); err != nil {
		return err
	}
	if err := w.WriteUint64(e.Term); err != nil {
		return err
	}
	if err := w.WriteUint64(e.Timestamp); err != nil {
		return err
	}
	if err := w.WriteUvarint(uint64(len(e.Key))); err != nil {
		return err
	}
	if err := w.WriteBytes(e.Key); err != nil {
		return err
	}
	return w.WriteBytes(e.Payload)
}

// readEntry decodes an entry at the reader's current position. The
// entry's Index is left zero; callers fill it from the offset index.
func readEntry(r *buffer.Reader) (*Entry, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if length < entryFixedBytes+1 {
		return nil, ErrCorrupted
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	term, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	timestamp, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	keyLen, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	payloadLen := int64(length) - entryFixedBytes - int64(buffer.UvarintLen(keyLen)) - int64(keyLen)
	if payloadLen < 0 {
		return nil, ErrCorrupted
	}
	key := make([]byte, keyLen)
	if err := r.ReadBytes(key); err != nil {
		return nil, err
	}
	payload := make([]byte, payloadLen)
	if err := r.ReadBytes(payload); err != nil {
		return nil, err
	}
	return &Entry{
		Term:      term,
		Kind:      Kind(kind),
		Key:       key,
		Payload:   payload,
		Timestamp: timestamp,
	}, nil
}
