package log

import (
	"sort"

	"github.com/copycat-io/copycat/pkg/buffer"
)

// offsetIndex maps an entry's offset within its segment (index minus
// the segment's first index) to the entry's position in the data file.
type offsetIndex interface {
	// append records the position of the entry at the given offset.
	append(offset, position uint32) error
	// position looks up the data-file position of an offset.
	position(offset uint32) (uint32, bool)
	// lastOffset returns the highest recorded offset, -1 when empty.
	lastOffset() int64
	// size returns the number of indexed entries.
	size() int
	// truncate removes all offsets greater than the given offset.
	truncate(offset int64) error
	flush() error
	close() error
}

// orderedIndex is the version-1 index: positions packed as u32 values
// with the offset implied by the slot. It cannot represent gaps.
type orderedIndex struct {
	region    *buffer.Region
	positions []uint32
}

func newOrderedIndex(region *buffer.Region) *orderedIndex {
	return &orderedIndex{region: region}
}

func (i *orderedIndex) append(offset, position uint32) error {
	if int(offset) != len(i.positions) {
		return ErrIndexGap
	}
	w := buffer.NewWriter(i.region).Seek(int64(offset) * 4)
	if err := w.WriteUint32(position); err != nil {
		return err
	}
	i.positions = append(i.positions, position)
	return nil
}

func (i *orderedIndex) position(offset uint32) (uint32, bool) {
	if int(offset) >= len(i.positions) {
		return 0, false
	}
	return i.positions[offset], true
}

func (i *orderedIndex) lastOffset() int64 { return int64(len(i.positions)) - 1 }
func (i *orderedIndex) size() int         { return len(i.positions) }

func (i *orderedIndex) truncate(offset int64) error {
	if offset >= int64(len(i.positions))-1 {
		return nil
	}
	keep := offset + 1
	if err := i.region.Zero(keep * 4); err != nil {
		return err
	}
	i.positions = i.positions[:keep]
	return nil
}

func (i *orderedIndex) flush() error { return i.region.Flush() }
func (i *orderedIndex) close() error { return i.region.Release() }

// searchableIndex is the post-compaction index: {offset, position}
// pairs sorted by offset, permitting gaps between offsets. On disk
// the position is absolute within the data file (descriptor
// included), so a real pair is never all zeros and the zero-padded
// tail of the index file is unambiguous. In memory positions are
// relative to the end of the descriptor, matching the ordered index.
type searchableIndex struct {
	region *buffer.Region
	pairs  []indexPair
}

type indexPair struct {
	offset   uint32
	position uint32
}

func newSearchableIndex(region *buffer.Region) *searchableIndex {
	return &searchableIndex{region: region}
}

// loadSearchableIndex restores pairs from the index file. Stored
// positions are always at least DescriptorBytes, so a zero position
// marks the padding; offsets are strictly increasing, so a
// non-increasing offset does too.
func loadSearchableIndex(region *buffer.Region) (*searchableIndex, error) {
	i := &searchableIndex{region: region}
	r := buffer.NewReader(region)
	for slot := int64(0); (slot+1)*8 <= region.Capacity(); slot++ {
		offset, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		position, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if position < DescriptorBytes {
			break
		}
		if slot > 0 && offset <= i.pairs[len(i.pairs)-1].offset {
			break
		}
		i.pairs = append(i.pairs, indexPair{offset: offset, position: position - DescriptorBytes})
	}
	return i, nil
}

func (i *searchableIndex) append(offset, position uint32) error {
	if n := len(i.pairs); n > 0 && offset <= i.pairs[n-1].offset {
		return ErrIndexGap
	}
	w := buffer.NewWriter(i.region).Seek(int64(len(i.pairs)) * 8)
	if err := w.WriteUint32(offset); err != nil {
		return err
	}
	if err := w.WriteUint32(position + DescriptorBytes); err != nil {
		return err
	}
	i.pairs = append(i.pairs, indexPair{offset: offset, position: position})
	return nil
}

func (i *searchableIndex) position(offset uint32) (uint32, bool) {
	n := sort.Search(len(i.pairs), func(j int) bool { return i.pairs[j].offset >= offset })
	if n == len(i.pairs) || i.pairs[n].offset != offset {
		return 0, false
	}
	return i.pairs[n].position, true
}

func (i *searchableIndex) lastOffset() int64 {
	if len(i.pairs) == 0 {
		return -1
	}
	return int64(i.pairs[len(i.pairs)-1].offset)
}

func (i *searchableIndex) size() int { return len(i.pairs) }

func (i *searchableIndex) truncate(offset int64) error {
	keep := sort.Search(len(i.pairs), func(j int) bool { return int64(i.pairs[j].offset) > offset })
	if keep == len(i.pairs) {
		return nil
	}
	if err := i.region.Zero(int64(keep) * 8); err != nil {
		return err
	}
	i.pairs = i.pairs[:keep]
	return nil
}

func (i *searchableIndex) flush() error { return i.region.Flush() }
func (i *searchableIndex) close() error { return i.region.Release() }
