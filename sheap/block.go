package sheap

import (
	"encoding/binary"

	"github.com/sheapguard/sheapguard/memutils"
)

// Block layout within the arena:
//
//	+--------+-------------+--------+
//	| HEADER |   PAYLOAD   | BOUND  |
//	+--------+-------------+--------+
//
// Header and boundary tag are identical. The first word packs the allocated
// flag into bit 0 and the payload size into bits 1..31; the extended layout
// inserts a 32-bit caller id word after it. A 16-bit alignment offset and the
// CRC-16 over all preceding header bytes close the tag. The duplicate boundary
// enables backward coalescing and turns an out-of-bound payload write into a
// detectable CRC mismatch.

const (
	compactHeaderSize  = 8
	extendedHeaderSize = 12
)

// blockInfo is the decoded form of a header or boundary tag, together with the
// arena offset of the block's header.
type blockInfo struct {
	offset      int
	allocated   bool
	size        int
	id          uint32
	alignOffset int
	crc         uint16
}

// hdrSize returns the encoded tag size for the configured layout.
func (h *Heap) hdrSize() int {
	if h.extended {
		return extendedHeaderSize
	}
	return compactHeaderSize
}

// blockOverhead is the total arena footprint of a block with the given payload
// size.
func (h *Heap) blockOverhead(payloadSize int) int {
	return payloadSize + 2*h.headerSize
}

func (h *Heap) boundaryOffset(b blockInfo) int {
	return b.offset + h.headerSize + b.size
}

func (h *Heap) nextBlockOffset(b blockInfo) int {
	return b.offset + h.blockOverhead(b.size)
}

// decodeTag reads a header or boundary tag at the given arena offset. The
// returned blockInfo carries off as its header offset; callers decoding a
// boundary tag must fix offset up themselves.
func (h *Heap) decodeTag(off int) blockInfo {
	raw := h.arena[off : off+h.headerSize]
	word := binary.LittleEndian.Uint32(raw[0:4])
	b := blockInfo{
		offset:    off,
		allocated: word&1 != 0,
		size:      int(word >> 1),
	}
	rest := raw[4:]
	if h.extended {
		b.id = binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	b.alignOffset = int(binary.LittleEndian.Uint16(rest[0:2]))
	b.crc = binary.LittleEndian.Uint16(rest[2:4])
	return b
}

// encodeTag writes b as a tag at the given arena offset and returns the CRC it
// stored.
func (h *Heap) encodeTag(off int, b blockInfo) uint16 {
	raw := h.arena[off : off+h.headerSize]
	word := uint32(b.size) << 1
	if b.allocated {
		word |= 1
	}
	binary.LittleEndian.PutUint32(raw[0:4], word)
	rest := raw[4:]
	if h.extended {
		binary.LittleEndian.PutUint32(rest[0:4], b.id)
		rest = rest[4:]
	}
	binary.LittleEndian.PutUint16(rest[0:2], uint16(b.alignOffset))
	crc := h.tagCrc(off)
	binary.LittleEndian.PutUint16(rest[2:4], crc)
	return crc
}

// tagCrc computes the CRC-16 over the tag bytes at off, excluding the trailing
// CRC field itself.
func (h *Heap) tagCrc(off int) uint16 {
	return memutils.Crc16Custom(h.arena[off:off+h.headerSize-2], h.crcPoly, h.crcXorOut)
}

// writeBlock encodes b as both header and boundary tag.
func (h *Heap) writeBlock(b blockInfo) {
	h.encodeTag(b.offset, b)
	h.encodeTag(h.boundaryOffset(b), b)
}

// tagInBounds reports whether a full tag fits at off.
func (h *Heap) tagInBounds(off int) bool {
	return off >= 0 && off+h.headerSize <= len(h.arena)
}

// headerCrcValid recomputes the header CRC and compares it with the stored
// value.
func (h *Heap) headerCrcValid(b blockInfo) bool {
	return b.crc == h.tagCrc(b.offset)
}

// boundaryCrcValid recomputes the boundary CRC and compares it with the CRC
// stored in the header. A mismatch while the header validates is the signature
// of an out-of-bound write reaching past the payload.
func (h *Heap) boundaryCrcValid(b blockInfo) bool {
	boundaryOff := h.boundaryOffset(b)
	if !h.tagInBounds(boundaryOff) {
		return false
	}
	boundary := h.decodeTag(boundaryOff)
	return boundary.crc == h.tagCrc(boundaryOff) && boundary.crc == b.crc
}

// blockValid checks both tags: header CRC, boundary CRC, and their agreement.
func (h *Heap) blockValid(b blockInfo) bool {
	return h.headerCrcValid(b) && h.boundaryCrcValid(b)
}

// clearTag overwrites the tag bytes at off with the overwrite pattern. Used
// when merging blocks so stale metadata cannot masquerade as a live tag.
func (h *Heap) clearTag(off int) {
	h.fill(off, off+h.headerSize, h.overwriteValue)
}

func (h *Heap) fill(from, to int, value byte) {
	section := h.arena[from:to]
	for i := range section {
		section[i] = value
	}
}
