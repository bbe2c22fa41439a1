package log

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/buffer"
)

var (
	// ErrClosed is returned on any operation after Close.
	ErrClosed = errors.New("log: closed")
	// ErrTruncateCommitted is returned when a truncation would drop a
	// committed entry.
	ErrTruncateCommitted = errors.New("log: cannot truncate committed entries")
	// ErrOutOfRange is returned when an index falls before the log.
	ErrOutOfRange = errors.New("log: index out of range")
)

// Options configures a segmented log.
type Options struct {
	Dir                  string
	Name                 string
	MaxEntrySize         uint32
	MaxSegmentSize       uint32
	MaxEntriesPerSegment int
	Logger               *zap.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Name == "" {
		out.Name = "copycat"
	}
	if out.MaxEntrySize == 0 {
		out.MaxEntrySize = 1024 * 1024
	}
	if out.MaxSegmentSize == 0 {
		out.MaxSegmentSize = 32 * 1024 * 1024
	}
	if out.MaxEntriesPerSegment == 0 {
		out.MaxEntriesPerSegment = 1024 * 1024
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// Log is the segment manager: a totally ordered sequence of entries
// backed by an ordered collection of segments. All methods must run on
// the owning context's executor thread; the log itself performs no
// locking.
type Log struct {
	opts   *Options
	logger *zap.Logger

	segments    []*segment // ordered by firstIndex
	current     *segment
	commitIndex uint64
	closed      bool
}

// Open loads or creates a segmented log in the options' directory.
func Open(opts *Options) (*Log, error) {
	o := opts.withDefaults()
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &Log{opts: o, logger: o.Logger}
	if err := l.loadSegments(); err != nil {
		return nil, err
	}

	if len(l.segments) == 0 {
		seg, err := l.createSegment(1, 1, 1, -1)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}
	l.current = l.segments[len(l.segments)-1]

	for _, s := range l.segments {
		if s.desc.Locked {
			s.commit(s.lastIndex())
			if s.lastIndex() > l.commitIndex {
				l.commitIndex = s.lastIndex()
			}
		}
	}
	return l, nil
}

// loadSegments enumerates segment files, resolves compaction leftovers
// by descriptor version and locked state, and validates contiguity.
func (l *Log) loadSegments() error {
	files, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	type candidate struct {
		version uint64
		locked  bool
	}
	chosen := map[uint64]candidate{}
	discard := map[uint64][]uint64{}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		id, version, ok := parseSegmentFile(l.opts.Name, f.Name())
		if !ok {
			continue
		}
		desc, err := l.peekDescriptor(id, version)
		if err != nil {
			return err
		}
		if desc.ID != id || desc.Version != version {
			return fmt.Errorf("%w: descriptor %d-%d does not match filename %s", ErrCorrupted, desc.ID, desc.Version, f.Name())
		}

		cur, seen := chosen[id]
		switch {
		case !seen:
			chosen[id] = candidate{version: version, locked: desc.Locked}
		case desc.Locked && (!cur.locked || version > cur.version):
			discard[id] = append(discard[id], cur.version)
			chosen[id] = candidate{version: version, locked: desc.Locked}
		case !desc.Locked && !cur.locked && version > cur.version:
			discard[id] = append(discard[id], cur.version)
			chosen[id] = candidate{version: version, locked: desc.Locked}
		default:
			// A newer unlocked version next to an older locked one is
			// an unfinished compaction; drop the newer one.
			discard[id] = append(discard[id], version)
		}
	}

	for id, versions := range discard {
		for _, v := range versions {
			l.logger.Debug("Discarding stale segment version",
				zap.Uint64("segment", id), zap.Uint64("version", v))
			os.Remove(DataPath(l.opts.Dir, l.opts.Name, id, v))
			os.Remove(IndexPath(l.opts.Dir, l.opts.Name, id, v))
		}
	}

	for id, c := range chosen {
		seg, err := l.loadSegment(id, c.version)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
		l.logger.Debug("Loaded segment",
			zap.Uint64("segment", id),
			zap.Uint64("version", c.version),
			zap.Uint64("first_index", seg.firstIndex()))
	}

	sort.Slice(l.segments, func(i, j int) bool {
		return l.segments[i].firstIndex() < l.segments[j].firstIndex()
	})

	for i, s := range l.segments {
		if i == 0 {
			if s.firstIndex() != 1 {
				return fmt.Errorf("%w: first segment starts at %d", ErrCorrupted, s.firstIndex())
			}
			continue
		}
		prev := l.segments[i-1]
		if prev.lastIndex()+1 != s.firstIndex() {
			return fmt.Errorf("%w: gap between segment %d (last %d) and segment %d (first %d)",
				ErrCorrupted, prev.desc.ID, prev.lastIndex(), s.desc.ID, s.firstIndex())
		}
	}
	return nil
}

// peekDescriptor reads only the descriptor of a segment file.
func (l *Log) peekDescriptor(id, version uint64) (*Descriptor, error) {
	region, err := buffer.OpenFile(DataPath(l.opts.Dir, l.opts.Name, id, version), DescriptorBytes)
	if err != nil {
		return nil, err
	}
	defer region.Close()
	return readDescriptor(region)
}

func (l *Log) dataCapacity() int64 {
	return DescriptorBytes + int64(l.opts.MaxSegmentSize) + int64(l.opts.MaxEntrySize)
}

// createSegment builds a fresh segment and writes its descriptor.
func (l *Log) createSegment(id, firstIndex, version uint64, rng int64) (*segment, error) {
	dataPath := DataPath(l.opts.Dir, l.opts.Name, id, version)
	indexPath := IndexPath(l.opts.Dir, l.opts.Name, id, version)

	region, err := buffer.OpenFile(dataPath, l.dataCapacity())
	if err != nil {
		return nil, err
	}
	desc := &Descriptor{
		ID:             id,
		Version:        version,
		Index:          firstIndex,
		Range:          rng,
		MaxEntrySize:   l.opts.MaxEntrySize,
		MaxSegmentSize: l.opts.MaxSegmentSize,
	}
	if err := writeDescriptor(region, desc); err != nil {
		region.Close()
		return nil, err
	}

	var idx offsetIndex
	var idxRegion *buffer.Region
	if version == 1 {
		idxRegion, err = buffer.OpenFile(indexPath, int64(l.opts.MaxEntriesPerSegment)*4)
		if err == nil {
			idx = newOrderedIndex(idxRegion)
		}
	} else {
		idxRegion, err = buffer.OpenFile(indexPath, int64(l.opts.MaxEntriesPerSegment)*8)
		if err == nil {
			idx = newSearchableIndex(idxRegion)
		}
	}
	if err != nil {
		region.Close()
		return nil, err
	}

	seg := &segment{
		desc:      desc,
		region:    region,
		readers:   buffer.NewReaderPool(region),
		writer:    buffer.NewWriter(region),
		index:     idx,
		dataPath:  dataPath,
		indexPath: indexPath,
	}
	l.logger.Debug("Created segment",
		zap.Uint64("segment", id),
		zap.Uint64("version", version),
		zap.Uint64("first_index", firstIndex))
	return seg, nil
}

// loadSegment opens an existing segment. Version-1 indexes are rebuilt
// by skip-scanning the data file; searchable indexes load from disk.
func (l *Log) loadSegment(id, version uint64) (*segment, error) {
	dataPath := DataPath(l.opts.Dir, l.opts.Name, id, version)
	indexPath := IndexPath(l.opts.Dir, l.opts.Name, id, version)

	region, err := buffer.OpenFile(dataPath, l.dataCapacity())
	if err != nil {
		return nil, err
	}
	desc, err := readDescriptor(region)
	if err != nil {
		region.Close()
		return nil, err
	}

	seg := &segment{
		desc:      desc,
		region:    region,
		readers:   buffer.NewReaderPool(region),
		writer:    buffer.NewWriter(region),
		dataPath:  dataPath,
		indexPath: indexPath,
	}

	if version == 1 {
		idxRegion, err := buffer.OpenFile(indexPath, int64(l.opts.MaxEntriesPerSegment)*4)
		if err != nil {
			region.Close()
			return nil, err
		}
		idx := newOrderedIndex(idxRegion)
		seg.index = idx
		if err := l.rebuildIndex(seg, idx); err != nil {
			seg.close()
			return nil, err
		}
	} else {
		idxRegion, err := buffer.OpenFile(indexPath, int64(l.opts.MaxEntriesPerSegment)*8)
		if err != nil {
			region.Close()
			return nil, err
		}
		idx, err := loadSearchableIndex(idxRegion)
		if err != nil {
			idxRegion.Close()
			region.Close()
			return nil, err
		}
		seg.index = idx
		if n := len(idx.pairs); n > 0 {
			last := idx.pairs[n-1]
			r := seg.readers.Acquire()
			length, err := r.Seek(DescriptorBytes + int64(last.position)).ReadUint32()
			r.Close()
			if err != nil {
				seg.close()
				return nil, err
			}
			seg.writePos = int64(last.position) + int64(length)
		}
	}

	// A sealed range preserves tail gaps across restarts.
	if desc.Range >= 0 {
		indexed := seg.index.lastOffset() + 1
		if int64(indexed) > desc.Range {
			seg.close()
			return nil, fmt.Errorf("%w: segment %d holds %d offsets beyond sealed range %d",
				ErrCorrupted, id, indexed, desc.Range)
		}
		seg.skip = uint64(desc.Range - indexed)
		seg.sealed = true
	}
	return seg, nil
}

// rebuildIndex repopulates a version-1 index by skip-scanning the data
// file using the entry length prefixes.
func (l *Log) rebuildIndex(seg *segment, idx *orderedIndex) error {
	var pos int64
	ordinal := uint32(0)
	r := seg.readers.Acquire()
	defer r.Close()
	for DescriptorBytes+pos+4 <= seg.region.Capacity() {
		length, err := r.Seek(DescriptorBytes + pos).ReadUint32()
		if err != nil {
			return err
		}
		if length == 0 {
			break
		}
		if length < entryFixedBytes+1 || DescriptorBytes+pos+int64(length) > seg.region.Capacity() {
			return fmt.Errorf("%w: segment %d entry at %d has length %d", ErrCorrupted, seg.desc.ID, pos, length)
		}
		if err := idx.append(ordinal, uint32(pos)); err != nil {
			return err
		}
		pos += int64(length)
		ordinal++
	}
	seg.writePos = pos
	return nil
}

// FirstIndex returns the index of the first entry slot, always 1.
func (l *Log) FirstIndex() uint64 {
	if len(l.segments) == 0 {
		return 1
	}
	return l.segments[0].firstIndex()
}

// LastIndex returns the highest assigned index, or 0 when empty.
func (l *Log) LastIndex() uint64 {
	if l.current == nil {
		return 0
	}
	return l.current.lastIndex()
}

// IsEmpty reports whether the log currently covers no index: nothing
// has been appended or skipped, or everything was truncated away.
func (l *Log) IsEmpty() bool {
	return l.LastIndex() < l.FirstIndex()
}

// CommitIndex returns the highest committed index.
func (l *Log) CommitIndex() uint64 { return l.commitIndex }

// NextIndex returns the index the next appended entry will receive.
func (l *Log) NextIndex() uint64 { return l.LastIndex() + 1 }

// Append stores the entry at index LastIndex()+1 and returns the
// assigned index, rotating to a new segment when the current one is
// full or sealed by a gap.
func (l *Log) Append(e *Entry) (uint64, error) {
	if l.closed {
		return 0, ErrClosed
	}
	if e.Size() > l.opts.MaxEntrySize {
		return 0, ErrEntryTooLarge
	}
	if l.current.sealed || l.current.skip > 0 ||
		l.current.full(l.opts.MaxEntrySize, l.opts.MaxEntriesPerSegment) {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	e.Index = l.current.lastIndex() + 1
	if err := l.current.append(e); err != nil {
		return 0, err
	}
	return e.Index, nil
}

// rotate seals the current segment and opens the next one.
func (l *Log) rotate() error {
	if err := l.current.seal(); err != nil {
		return err
	}
	seg, err := l.createSegment(l.current.desc.ID+1, l.current.lastIndex()+1, 1, -1)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	l.current = seg
	return nil
}

// segmentFor returns the segment covering the index, or nil.
func (l *Log) segmentFor(index uint64) *segment {
	if l.current != nil && l.current.containsIndex(index) {
		return l.current
	}
	n := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].firstIndex() > index
	})
	if n == 0 {
		return nil
	}
	return l.segments[n-1]
}

// Get returns the entry at the given index, or ErrNotFound for
// indexes that were skipped, compacted away, or never written.
func (l *Log) Get(index uint64) (*Entry, error) {
	if l.closed {
		return nil, ErrClosed
	}
	seg := l.segmentFor(index)
	if seg == nil {
		return nil, ErrNotFound
	}
	return seg.get(index)
}

// Term returns the term of the entry at the given index.
func (l *Log) Term(index uint64) (uint64, error) {
	seg := l.segmentFor(index)
	if seg == nil {
		return 0, ErrNotFound
	}
	return seg.term(index)
}

// ContainsIndex reports whether the index falls inside the log's
// assigned range.
func (l *Log) ContainsIndex(index uint64) bool {
	if l.closed || index == 0 {
		return false
	}
	return index >= l.FirstIndex() && index <= l.LastIndex()
}

// Slice reads entries in [from, to] up to maxBytes, skipping indexes
// with no stored entry. The first stored entry is returned even when it
// alone exceeds maxBytes.
func (l *Log) Slice(from, to uint64, maxBytes int) ([]*Entry, error) {
	var out []*Entry
	var size int
	for i := from; i <= to; i++ {
		e, err := l.Get(i)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if maxBytes > 0 && len(out) > 0 && size+int(e.Size()) > maxBytes {
			break
		}
		size += int(e.Size())
		out = append(out, e)
	}
	return out, nil
}

// Skip advances the next append index by n, recording a gap.
func (l *Log) Skip(n uint64) error {
	if l.closed {
		return ErrClosed
	}
	l.current.skipEntries(n)
	return nil
}

// Truncate removes all entries with index greater than the given
// index. Whole trailing segments are deleted; the surviving tail
// segment is reopened for appends.
func (l *Log) Truncate(index uint64) error {
	if l.closed {
		return ErrClosed
	}
	if index >= l.LastIndex() {
		return nil
	}
	if index < l.FirstIndex()-1 {
		return ErrOutOfRange
	}
	if index < l.commitIndex {
		return ErrTruncateCommitted
	}

	keep := 0
	for _, s := range l.segments {
		if s.firstIndex() > index {
			break
		}
		keep++
	}
	if keep == 0 {
		// Truncating to before the first segment empties it rather
		// than deleting it.
		keep = 1
	}
	for _, s := range l.segments[keep:] {
		l.logger.Debug("Deleting truncated segment", zap.Uint64("segment", s.desc.ID))
		if err := s.delete(); err != nil {
			return err
		}
	}
	l.segments = l.segments[:keep]
	l.current = l.segments[len(l.segments)-1]
	if err := l.current.truncate(index); err != nil {
		return err
	}
	return l.current.unseal()
}

// Commit advances the commit watermark through the segment containing
// the index and cascades full commitment backwards through any prior
// segments that lag behind.
func (l *Log) Commit(index uint64) error {
	if l.closed {
		return ErrClosed
	}
	if index > l.LastIndex() {
		index = l.LastIndex()
	}
	if index <= l.commitIndex {
		return nil
	}

	seg := l.segmentFor(index)
	if seg == nil {
		return ErrOutOfRange
	}
	seg.commit(index)
	if err := seg.flush(); err != nil {
		return err
	}
	if seg.fullyCommitted() && seg.sealed {
		if err := seg.lock(); err != nil {
			return err
		}
	}

	// Cascade: every prior segment must now be fully committed.
	for i := len(l.segments) - 1; i >= 0; i-- {
		prior := l.segments[i]
		if prior.firstIndex() >= seg.firstIndex() {
			continue
		}
		if prior.fullyCommitted() {
			break
		}
		prior.commit(prior.lastIndex())
		if err := prior.flush(); err != nil {
			return err
		}
		if err := prior.lock(); err != nil {
			return err
		}
	}

	l.commitIndex = index
	return nil
}

// Compact rewrites the identified segment as a higher-version segment
// holding only the entries accepted by retain, then atomically swaps
// it in and deletes the old files. Only fully committed segments may
// be compacted.
func (l *Log) Compact(segmentID uint64, retain func(*Entry) bool) error {
	if l.closed {
		return ErrClosed
	}
	var old *segment
	var slot int
	for i, s := range l.segments {
		if s.desc.ID == segmentID {
			old, slot = s, i
			break
		}
	}
	if old == nil {
		return fmt.Errorf("%w: no segment %d", ErrOutOfRange, segmentID)
	}
	if !old.fullyCommitted() {
		return fmt.Errorf("log: segment %d not fully committed", segmentID)
	}
	if old == l.current {
		if err := old.seal(); err != nil {
			return err
		}
	}

	rng := int64(old.lastIndex()) - int64(old.firstIndex()) + 1
	fresh, err := l.createSegment(old.desc.ID, old.firstIndex(), old.desc.Version+1, rng)
	if err != nil {
		return err
	}
	fresh.sealed = true

	for off := int64(0); off <= old.index.lastOffset(); off++ {
		e, err := old.get(old.firstIndex() + uint64(off))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			fresh.delete()
			return err
		}
		if !retain(e) {
			continue
		}
		if err := fresh.restore(e); err != nil {
			fresh.delete()
			return err
		}
	}

	// The sealed range is authoritative: dropped tail entries stay
	// part of the segment's logical span.
	fresh.skip = uint64(rng - (fresh.index.lastOffset() + 1))
	fresh.commit(fresh.lastIndex())
	if err := fresh.flush(); err != nil {
		fresh.delete()
		return err
	}
	if err := fresh.lock(); err != nil {
		fresh.delete()
		return err
	}

	// Publish the replacement, then delete the old files. A crash in
	// between leaves both versions on disk; recovery keeps the locked
	// newer version.
	l.segments[slot] = fresh
	if l.current == old {
		l.current = fresh
	}
	l.logger.Info("Compacted segment",
		zap.Uint64("segment", old.desc.ID),
		zap.Uint64("version", fresh.desc.Version),
		zap.Int("retained", fresh.index.size()))
	return old.delete()
}

// Flush forces all segments to stable storage.
func (l *Log) Flush() error {
	if l.closed {
		return ErrClosed
	}
	for _, s := range l.segments {
		if err := s.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes every segment.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for _, s := range l.segments {
		if err := s.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the log and removes all segment files.
func (l *Log) Delete() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	var firstErr error
	for _, s := range l.segments {
		if err := s.delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
