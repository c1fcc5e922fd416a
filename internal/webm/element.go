package webm

import (
	"errors"
	"fmt"
)

// Matroska element IDs with their length marker bits kept, as they appear on
// the wire.
const (
	idEBML        = 0x1A45DFA3
	idSegment     = 0x18538067
	idSeekHead    = 0x114D9B74
	idInfo        = 0x1549A966
	idTracks      = 0x1654AE6B
	idCluster     = 0x1F43B675
	idCues        = 0x1C53BB6B
	idChapters    = 0x1043A770
	idTags        = 0x1254C367
	idAttachments = 0x1941A469
)

// maxElementSize caps elements the parser has to buffer whole.
const maxElementSize = 256 << 20

var errNeedMore = errors.New("need more data")

type elementHeader struct {
	id     uint32
	size   int64 // -1 when the size is unknown
	length int   // bytes taken by id and size
}

func (h elementHeader) unknownSize() bool {
	return h.size < 0
}

// total is the full element length; only valid for known sizes.
func (h elementHeader) total() int {
	return h.length + int(h.size)
}

// parseElementHeader decodes the id and size vints at the start of b.
// errNeedMore is returned while b is too short to hold them.
func parseElementHeader(b []byte) (elementHeader, error) {
	_, idLen, err := readVint(b, 4)
	if err != nil {
		return elementHeader{}, err
	}
	// IDs keep their marker bit.
	rawID := uint32(0)
	for _, c := range b[:idLen] {
		rawID = rawID<<8 | uint32(c)
	}

	size, sizeLen, err := readVint(b[idLen:], 8)
	if err != nil {
		return elementHeader{}, err
	}
	h := elementHeader{id: rawID, size: int64(size), length: idLen + sizeLen}
	if size == allOnes(sizeLen) {
		h.size = -1
	}
	return h, nil
}

// readVint decodes an EBML variable-length integer with the marker bit
// stripped. It returns the value and the number of bytes it occupied.
func readVint(b []byte, maxLen int) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errNeedMore
	}
	first := b[0]
	if first == 0 {
		return 0, 0, fmt.Errorf("%w: vint longer than 8 bytes", ErrInvalidElement)
	}
	n := 1
	for mask := byte(0x80); first&mask == 0; mask >>= 1 {
		n++
	}
	if n > maxLen {
		return 0, 0, fmt.Errorf("%w: %d byte vint exceeds %d", ErrInvalidElement, n, maxLen)
	}
	if len(b) < n {
		return 0, 0, errNeedMore
	}
	v := uint64(first & (0xff >> n))
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
	}
	return v, n, nil
}

// allOnes is the reserved "unknown size" value for a vint of n bytes.
func allOnes(n int) uint64 {
	return 1<<(7*uint(n)) - 1
}

// isTopLevel reports whether id starts a level-1 element (or a new EBML
// stream), which terminates a cluster of unknown size.
func isTopLevel(id uint32) bool {
	switch id {
	case idEBML, idSegment, idSeekHead, idInfo, idTracks, idCluster,
		idCues, idChapters, idTags, idAttachments:
		return true
	}
	return false
}
