package log

import (
	"github.com/copycat-io/copycat/pkg/buffer"
)

// DescriptorBytes is the fixed size of the segment header.
const DescriptorBytes = 64

// Descriptor is the fixed-size header at the start of every segment
// data file. It is written at segment creation; afterwards only the
// range field (rewritten when the segment is sealed or unsealed) and
// the locked flag (flipped when every entry in the segment has been
// committed) change.
type Descriptor struct {
	ID             uint64
	Version        uint64
	Index          uint64
	Range          int64
	MaxEntrySize   uint32
	MaxSegmentSize uint32
	Locked         bool
}

const lockedFlagOffset = 40

// writeDescriptor stores the descriptor at the head of the region.
func writeDescriptor(region *buffer.Region, d *Descriptor) error {
	w := buffer.NewWriter(region)
	if err := w.WriteUint64(d.ID); err != nil {
		return err
	}
	if err := w.WriteUint64(d.Version); err != nil {
		return err
	}
	if err := w.WriteUint64(d.Index); err != nil {
		return err
	}
	if err := w.WriteUint64(uint64(d.Range)); err != nil {
		return err
	}
	if err := w.WriteUint32(d.MaxEntrySize); err != nil {
		return err
	}
	if err := w.WriteUint32(d.MaxSegmentSize); err != nil {
		return err
	}
	var locked uint8
	if d.Locked {
		locked = 1
	}
	return w.WriteUint8(locked)
}

// readDescriptor loads a descriptor from the head of the region.
func readDescriptor(region *buffer.Region) (*Descriptor, error) {
	r := buffer.NewReader(region)
	d := &Descriptor{}
	var err error
	if d.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if d.Version, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if d.Index, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	rng, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	d.Range = int64(rng)
	if d.MaxEntrySize, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if d.MaxSegmentSize, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	locked, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	d.Locked = locked == 1
	return d, nil
}

// updateRange rewrites the range field in place.
func updateRange(region *buffer.Region, rng int64) error {
	return buffer.NewWriter(region).Seek(24).WriteUint64(uint64(rng))
}

// lockDescriptor flips the locked flag in place.
func lockDescriptor(region *buffer.Region) error {
	if err := buffer.NewWriter(region).Seek(lockedFlagOffset).WriteUint8(1); err != nil {
		return err
	}
	return region.Flush()
}
