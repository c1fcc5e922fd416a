package webm

import (
	"bytes"

	"github.com/at-wat/ebml-go"
)

const defaultTimecodeScale = 1000000 // ns per timecode tick

type ebmlHeader struct {
	EBML struct {
		DocType string `ebml:"EBMLDocType"`
	} `ebml:"EBML"`
}

type segmentInfo struct {
	Info struct {
		TimecodeScale uint64 `ebml:"TimecodeScale"`
	} `ebml:"Info"`
}

type clusterTimecode struct {
	Cluster struct {
		Timecode uint64 `ebml:"Timecode"`
	} `ebml:"Cluster"`
}

func unmarshal(b []byte, v interface{}) error {
	return ebml.Unmarshal(bytes.NewReader(b), v, ebml.WithIgnoreUnknown(true))
}

// decodeDocType returns the DocType of a complete EBML header element.
func decodeDocType(b []byte) (string, error) {
	var h ebmlHeader
	if err := unmarshal(b, &h); err != nil {
		return "", err
	}
	return h.EBML.DocType, nil
}

// decodeTimecodeScale returns the TimecodeScale of a complete Info element,
// falling back to the Matroska default when it is absent or unreadable.
func decodeTimecodeScale(b []byte) uint64 {
	var info segmentInfo
	if err := unmarshal(b, &info); err != nil || info.Info.TimecodeScale == 0 {
		return defaultTimecodeScale
	}
	return info.Info.TimecodeScale
}

// decodeClusterTimecode returns the Timecode child of a complete Cluster.
func decodeClusterTimecode(b []byte) (uint64, bool) {
	var c clusterTimecode
	if err := unmarshal(b, &c); err != nil {
		return 0, false
	}
	return c.Cluster.Timecode, true
}
