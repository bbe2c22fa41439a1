package buffer

import (
	"encoding/binary"
)

// Reader is a positioned read cursor over a region. Readers are not
// safe for concurrent use; acquire one per goroutine from a ReaderPool.
type Reader struct {
	region  *Region
	pos     int64
	limit   int64
	pool    *ReaderPool
	scratch [8]byte
}

// NewReader returns a standalone reader over the region. The caller
// holds the region reference for the reader's lifetime.
func NewReader(r *Region) *Reader {
	return &Reader{region: r, limit: r.Capacity()}
}

// Seek positions the cursor at the absolute offset.
func (r *Reader) Seek(pos int64) *Reader {
	r.pos = pos
	return r
}

// Position returns the current offset.
func (r *Reader) Position() int64 { return r.pos }

// SetLimit bounds further reads; reading past it fails with ErrOutOfBounds.
func (r *Reader) SetLimit(limit int64) *Reader {
	r.limit = limit
	return r
}

func (r *Reader) read(p []byte) error {
	if r.pos+int64(len(p)) > r.limit {
		return ErrOutOfBounds
	}
	if _, err := r.region.ReadAt(p, r.pos); err != nil {
		return err
	}
	r.pos += int64(len(p))
	return nil
}

// ReadBytes fills p from the cursor position.
func (r *Reader) ReadBytes(p []byte) error { return r.read(p) }

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.read(r.scratch[:1]); err != nil {
		return 0, err
	}
	return r.scratch[0], nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.read(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:4]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.read(r.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(r.scratch[:8]), nil
}

// ReadUvarint reads a varint-encoded unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// Close returns the reader to its pool, if pooled.
func (r *Reader) Close() error {
	if r.pool != nil {
		r.pool.Release(r)
	}
	return nil
}

// Writer is a positioned write cursor over a region.
type Writer struct {
	region  *Region
	pos     int64
	limit   int64
	pool    *WriterPool
	scratch [8]byte
}

// NewWriter returns a standalone writer over the region.
func NewWriter(r *Region) *Writer {
	return &Writer{region: r, limit: r.Capacity()}
}

// Seek positions the cursor at the absolute offset.
func (w *Writer) Seek(pos int64) *Writer {
	w.pos = pos
	return w
}

// Position returns the current offset.
func (w *Writer) Position() int64 { return w.pos }

// SetLimit bounds further writes.
func (w *Writer) SetLimit(limit int64) *Writer {
	w.limit = limit
	return w
}

func (w *Writer) write(p []byte) error {
	if w.pos+int64(len(p)) > w.limit {
		return ErrOutOfBounds
	}
	if _, err := w.region.WriteAt(p, w.pos); err != nil {
		return err
	}
	w.pos += int64(len(p))
	return nil
}

// WriteBytes appends p at the cursor position.
func (w *Writer) WriteBytes(p []byte) error { return w.write(p) }

func (w *Writer) WriteUint8(v uint8) error {
	w.scratch[0] = v
	return w.write(w.scratch[:1])
}

func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.scratch[:4], v)
	return w.write(w.scratch[:4])
}

func (w *Writer) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(w.scratch[:8], v)
	return w.write(w.scratch[:8])
}

// WriteUvarint writes a varint-encoded unsigned integer.
func (w *Writer) WriteUvarint(v uint64) error {
	for v >= 0x80 {
		if err := w.WriteUint8(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteUint8(byte(v))
}

// Flush forces the backing region to stable storage.
func (w *Writer) Flush() error { return w.region.Flush() }

// Close returns the writer to its pool, if pooled.
func (w *Writer) Close() error {
	if w.pool != nil {
		w.pool.Release(w)
	}
	return nil
}

// UvarintLen returns the encoded size of v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
