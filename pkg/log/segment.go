package log

import (
	"errors"
	"os"

	"github.com/copycat-io/copycat/pkg/buffer"
)

var (
	// ErrNotFound is returned when the log has no entry at an index.
	ErrNotFound = errors.New("log: entry not found")
	// ErrCorrupted signals unrecoverable on-disk damage; the owning
	// context must tear down.
	ErrCorrupted = errors.New("log: corrupted segment")
	// ErrIndexGap is returned when an append would leave a hole an
	// ordered offset index cannot represent.
	ErrIndexGap = errors.New("log: non-contiguous offset")
	// ErrSegmentFull is returned when an entry does not fit.
	ErrSegmentFull = errors.New("log: segment full")
	// ErrEntryTooLarge is returned for entries above maxEntrySize.
	ErrEntryTooLarge = errors.New("log: entry exceeds max entry size")
)

// segment is one data file plus its offset index. Entry positions are
// relative to the end of the descriptor.
type segment struct {
	desc      *Descriptor
	region    *buffer.Region
	readers   *buffer.ReaderPool
	writer    *buffer.Writer
	index     offsetIndex
	dataPath  string
	indexPath string

	writePos    int64
	skip        uint64
	commitIndex uint64
	sealed      bool
}

func (s *segment) firstIndex() uint64 { return s.desc.Index }

func (s *segment) lastIndex() uint64 {
	span := s.index.lastOffset() + 1
	return s.desc.Index - 1 + uint64(span) + s.skip
}

func (s *segment) isEmpty() bool {
	return s.index.size() == 0 && s.skip == 0
}

func (s *segment) containsIndex(index uint64) bool {
	return !s.isEmpty() && index >= s.firstIndex() && index <= s.lastIndex()
}

// full reports whether the segment can no longer accept maxEntrySize
// worth of data, which triggers rotation.
func (s *segment) full(maxEntrySize uint32, maxEntries int) bool {
	if DescriptorBytes+s.writePos+int64(maxEntrySize) > s.region.Capacity() {
		return true
	}
	return s.index.size() >= maxEntries
}

// append writes the entry, which must carry index lastIndex+1.
func (s *segment) append(e *Entry) error {
	if e.Index != s.lastIndex()+1 {
		return ErrIndexGap
	}
	size := e.Size()
	if size > s.desc.MaxEntrySize {
		return ErrEntryTooLarge
	}
	if DescriptorBytes+s.writePos+int64(size) > s.region.Capacity() {
		return ErrSegmentFull
	}
	offset := uint32(e.Index - s.firstIndex())
	s.writer.Seek(DescriptorBytes + s.writePos)
	if err := writeEntry(s.writer, e); err != nil {
		return err
	}
	if err := s.index.append(offset, uint32(s.writePos)); err != nil {
		return err
	}
	s.writePos += int64(size)
	return nil
}

// restore writes an entry during compaction, where the target offsets
// may have gaps. Entries must arrive in ascending index order.
func (s *segment) restore(e *Entry) error {
	if e.Index < s.firstIndex() {
		return ErrIndexGap
	}
	size := e.Size()
	if DescriptorBytes+s.writePos+int64(size) > s.region.Capacity() {
		return ErrSegmentFull
	}
	s.writer.Seek(DescriptorBytes + s.writePos)
	if err := writeEntry(s.writer, e); err != nil {
		return err
	}
	if err := s.index.append(uint32(e.Index-s.firstIndex()), uint32(s.writePos)); err != nil {
		return err
	}
	s.writePos += int64(size)
	return nil
}

// get reads the entry at the given index, or ErrNotFound for skipped
// and compacted-away indexes.
func (s *segment) get(index uint64) (*Entry, error) {
	if !s.containsIndex(index) {
		return nil, ErrNotFound
	}
	position, ok := s.index.position(uint32(index - s.firstIndex()))
	if !ok {
		return nil, ErrNotFound
	}
	r := s.readers.Acquire()
	defer r.Close()
	e, err := readEntry(r.Seek(DescriptorBytes + int64(position)))
	if err != nil {
		return nil, err
	}
	e.Index = index
	return e, nil
}

// term returns the term of the entry at index. It reads the whole
// entry, key and payload included.
func (s *segment) term(index uint64) (uint64, error) {
	e, err := s.get(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// skipEntries records a tail gap of n indexes. A segment with a gap is
// sealed against further appends since the ordered index cannot
// represent holes; the manager rotates before the next append.
func (s *segment) skipEntries(n uint64) {
	s.skip += n
}

// truncate removes all entries with index greater than the given
// index, clearing any tail gap.
func (s *segment) truncate(index uint64) error {
	if s.isEmpty() || index >= s.lastIndex() {
		s.skip = 0
		return nil
	}
	s.skip = 0
	var keepOffset int64 = -1
	if index >= s.firstIndex() {
		keepOffset = int64(index - s.firstIndex())
	}

	// The new write position lands just past the last retained entry.
	var newPos int64
	if keepOffset >= 0 {
		position, ok := s.index.position(uint32(keepOffset))
		if !ok {
			return ErrCorrupted
		}
		r := s.readers.Acquire()
		length, err := r.Seek(DescriptorBytes + int64(position)).ReadUint32()
		r.Close()
		if err != nil {
			return err
		}
		newPos = int64(position) + int64(length)
	}

	if err := s.index.truncate(keepOffset); err != nil {
		return err
	}
	if err := s.region.Zero(DescriptorBytes + newPos); err != nil {
		return err
	}
	s.writePos = newPos
	if s.commitIndex > index {
		s.commitIndex = index
	}
	return nil
}

// commit advances the segment's commit watermark.
func (s *segment) commit(index uint64) {
	if index > s.lastIndex() {
		index = s.lastIndex()
	}
	if index > s.commitIndex {
		s.commitIndex = index
	}
}

func (s *segment) fullyCommitted() bool {
	return !s.isEmpty() && s.commitIndex >= s.lastIndex()
}

// seal freezes the segment's index range in the descriptor ahead of
// rotation, preserving tail gaps across recovery.
func (s *segment) seal() error {
	if s.sealed {
		return nil
	}
	rng := int64(s.lastIndex()) - int64(s.firstIndex()) + 1
	if err := updateRange(s.region, rng); err != nil {
		return err
	}
	s.desc.Range = rng
	s.sealed = true
	return s.flush()
}

// unseal reopens a sealed segment for appends after truncation.
func (s *segment) unseal() error {
	if !s.sealed {
		return nil
	}
	if err := updateRange(s.region, -1); err != nil {
		return err
	}
	s.desc.Range = -1
	s.sealed = false
	return s.flush()
}

// lock marks the segment descriptor as fully committed.
func (s *segment) lock() error {
	if s.desc.Locked {
		return nil
	}
	if err := lockDescriptor(s.region); err != nil {
		return err
	}
	s.desc.Locked = true
	return nil
}

func (s *segment) flush() error {
	if err := s.region.Flush(); err != nil {
		return err
	}
	return s.index.flush()
}

func (s *segment) close() error {
	if err := s.index.close(); err != nil {
		return err
	}
	return s.region.Release()
}

// delete closes the segment and removes both files.
func (s *segment) delete() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.dataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
