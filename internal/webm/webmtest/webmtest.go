// Package webmtest builds small WebM byte streams for tests.
package webmtest

import "encoding/binary"

const (
	IDEBML        = 0x1A45DFA3
	IDDocType     = 0x4282
	IDSegment     = 0x18538067
	IDInfo        = 0x1549A966
	IDTimecodeScl = 0x2AD7B1
	IDTracks      = 0x1654AE6B
	IDTrackEntry  = 0xAE
	IDTrackNumber = 0xD7
	IDCodecID     = 0x86
	IDCluster     = 0x1F43B675
	IDTimecode    = 0xE7
	IDSimpleBlock = 0xA3
	IDCues        = 0x1C53BB6B
	IDVoid        = 0xEC
)

var unknownSize = []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func id(v uint32) []byte {
	switch {
	case v >= 1<<24:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	case v >= 1<<16:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	case v >= 1<<8:
		return []byte{byte(v >> 8), byte(v)}
	}
	return []byte{byte(v)}
}

// Element encodes an element with an 8-byte size field.
func Element(v uint32, children ...[]byte) []byte {
	var payload []byte
	for _, c := range children {
		payload = append(payload, c...)
	}
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(len(payload)))
	size[0] = 0x01
	out := append(id(v), size...)
	return append(out, payload...)
}

// UnknownSizeElement encodes only the header of an element of unknown size.
func UnknownSizeElement(v uint32) []byte {
	return append(id(v), unknownSize...)
}

// Uint encodes an unsigned integer element.
func Uint(v uint32, n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return Element(v, b)
}

// String encodes a string element.
func String(v uint32, s string) []byte {
	return Element(v, []byte(s))
}

// Header returns an EBML header with the given DocType.
func Header(docType string) []byte {
	return Element(IDEBML, String(IDDocType, docType))
}

// Init returns the header, an unknown-size Segment start, Info and Tracks:
// everything a stream carries before its first cluster.
func Init(timecodeScale uint64) []byte {
	out := Header("webm")
	out = append(out, UnknownSizeElement(IDSegment)...)
	out = append(out, Element(IDInfo, Uint(IDTimecodeScl, timecodeScale))...)
	out = append(out, Element(IDTracks,
		Element(IDTrackEntry, Uint(IDTrackNumber, 1), String(IDCodecID, "V_VP8")),
	)...)
	return out
}

// SimpleBlock returns a SimpleBlock on track 1 carrying data.
func SimpleBlock(data []byte) []byte {
	payload := append([]byte{0x81, 0x00, 0x00, 0x80}, data...)
	return Element(IDSimpleBlock, payload)
}

// Cluster returns a sized cluster with one block of data.
func Cluster(timecode uint64, data []byte) []byte {
	return Element(IDCluster, Uint(IDTimecode, timecode), SimpleBlock(data))
}

// UnknownSizeCluster returns an unknown-size cluster with one block of data.
// It ends where the next level-1 element starts.
func UnknownSizeCluster(timecode uint64, data []byte) []byte {
	out := UnknownSizeElement(IDCluster)
	out = append(out, Uint(IDTimecode, timecode)...)
	return append(out, SimpleBlock(data)...)
}

// Stream concatenates the init part with the given clusters.
func Stream(clusters ...[]byte) []byte {
	out := Init(1000000)
	for _, c := range clusters {
		out = append(out, c...)
	}
	return out
}

// Payload returns n bytes of a repeating pattern.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
