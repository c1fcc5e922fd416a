// Package webm splits a continuous WebM byte stream into an initialization
// segment and a sequence of media segments (clusters).
package webm

import (
	"bytes"
	"errors"
	"fmt"
)

// UnknownDuration marks a media segment whose duration could not be computed.
const UnknownDuration = -1

var (
	// ErrNotWebM is returned when the stream does not start with a WebM or
	// Matroska EBML header.
	ErrNotWebM = errors.New("not a webm stream")

	// ErrInvalidElement is returned for malformed or unsupported element framing.
	ErrInvalidElement = errors.New("invalid ebml element")
)

// MediaSegment is one complete cluster and its duration in milliseconds.
type MediaSegment struct {
	Cluster  []byte
	Duration int64
}

// Handler receives segments in stream order. A returned error stops the
// parser and is returned from Write.
type Handler interface {
	InitSegment(data []byte) error
	MediaSegment(seg MediaSegment) error
}

type state int

const (
	stateEBMLHeader state = iota
	stateSegmentHeader
	stateBody
	stateOpenCluster
)

type pendingCluster struct {
	data     []byte
	timecode uint64
	ok       bool
}

// Parser is an io.Writer that frames WebM bytes into segments. It is not safe
// for concurrent use.
type Parser struct {
	h         Handler
	durations bool

	buf   []byte
	state state

	init     []byte
	initSent bool
	scale    uint64

	// skip counts bytes of an ignored level-1 element still to be discarded.
	skip int64
	// scan is the end of the last complete child of an unknown-size cluster.
	scan int

	pending *pendingCluster
	err     error
}

// NewParser returns a Parser delivering segments to h. With durations set,
// every cluster is held until the next one arrives so its duration can be
// derived from the timecode difference.
func NewParser(h Handler, durations bool) *Parser {
	return &Parser{h: h, durations: durations, scale: defaultTimecodeScale}
}

// Write buffers b and emits every segment it completes. After the first
// error, every call returns that error.
func (p *Parser) Write(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.buf = append(p.buf, b...)
	if err := p.parse(); err != nil {
		p.err = err
		return 0, err
	}
	return len(b), nil
}

// Flush emits an unknown-size cluster that has only complete children
// buffered, and a cluster held back for duration computation, with an
// unknown duration. It is meant for the end of a stream.
func (p *Parser) Flush() error {
	if p.err != nil {
		return p.err
	}
	if p.state == stateOpenCluster && p.scan > 0 {
		cluster := p.take(p.scan)
		p.state = stateBody
		if err := p.cluster(cluster); err != nil {
			p.err = err
			return err
		}
	}
	if err := p.flushPending(); err != nil {
		p.err = err
		return err
	}
	return nil
}

func (p *Parser) parse() error {
	for {
		var err error
		switch p.state {
		case stateEBMLHeader:
			err = p.parseEBMLHeader()
		case stateSegmentHeader:
			err = p.parseSegmentHeader()
		case stateBody:
			err = p.parseBody()
		case stateOpenCluster:
			err = p.parseOpenCluster()
		}
		if errors.Is(err, errNeedMore) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *Parser) parseEBMLHeader() error {
	h, err := parseElementHeader(p.buf)
	if errors.Is(err, errNeedMore) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWebM, err)
	}
	if h.id != idEBML {
		return fmt.Errorf("%w: leading element 0x%x", ErrNotWebM, h.id)
	}
	if err := p.checkBuffered(h); err != nil {
		return err
	}
	header := p.take(h.total())
	docType, err := decodeDocType(header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWebM, err)
	}
	if docType != "webm" && docType != "matroska" {
		return fmt.Errorf("%w: doctype %q", ErrNotWebM, docType)
	}
	p.init = header
	p.initSent = false
	p.scale = defaultTimecodeScale
	p.state = stateSegmentHeader
	return nil
}

func (p *Parser) parseSegmentHeader() error {
	h, err := parseElementHeader(p.buf)
	if err != nil {
		return err
	}
	if h.id != idSegment {
		return fmt.Errorf("%w: expected segment, got 0x%x", ErrInvalidElement, h.id)
	}
	p.init = append(p.init, p.take(h.length)...)
	p.state = stateBody
	return nil
}

func (p *Parser) parseBody() error {
	if p.skip > 0 {
		n := int64(len(p.buf))
		if n > p.skip {
			n = p.skip
		}
		p.take(int(n))
		p.skip -= n
		if p.skip > 0 {
			return errNeedMore
		}
	}

	h, err := parseElementHeader(p.buf)
	if err != nil {
		return err
	}

	switch {
	case h.id == idCluster:
		if err := p.sendInit(); err != nil {
			return err
		}
		if h.unknownSize() {
			p.scan = h.length
			p.state = stateOpenCluster
			return nil
		}
		if err := p.checkBuffered(h); err != nil {
			return err
		}
		return p.cluster(p.take(h.total()))

	case h.id == idEBML:
		// A new stream was chained after the previous one.
		if err := p.flushPending(); err != nil {
			return err
		}
		p.state = stateEBMLHeader
		return nil

	case h.unknownSize():
		return fmt.Errorf("%w: unknown size for element 0x%x", ErrInvalidElement, h.id)

	case p.initSent:
		// Cues, Tags and the like between clusters carry nothing to push.
		p.take(h.length)
		p.skip = h.size
		return nil

	default:
		if err := p.checkBuffered(h); err != nil {
			return err
		}
		el := p.take(h.total())
		if h.id == idInfo {
			p.scale = decodeTimecodeScale(el)
		}
		p.init = append(p.init, el...)
		return nil
	}
}

func (p *Parser) parseOpenCluster() error {
	for {
		h, err := parseElementHeader(p.buf[p.scan:])
		if err != nil {
			return err
		}
		if isTopLevel(h.id) {
			cluster := p.take(p.scan)
			p.scan = 0
			p.state = stateBody
			return p.cluster(cluster)
		}
		if h.unknownSize() {
			return fmt.Errorf("%w: unknown size for cluster child 0x%x", ErrInvalidElement, h.id)
		}
		if h.size > maxElementSize || p.scan+h.total() > maxElementSize {
			return fmt.Errorf("%w: cluster larger than %d bytes", ErrInvalidElement, maxElementSize)
		}
		end := p.scan + h.total()
		if len(p.buf) < end {
			return errNeedMore
		}
		p.scan = end
	}
}

// checkBuffered reports errNeedMore until the whole element is buffered.
func (p *Parser) checkBuffered(h elementHeader) error {
	if h.unknownSize() || h.size > maxElementSize {
		return fmt.Errorf("%w: element 0x%x of size %d", ErrInvalidElement, h.id, h.size)
	}
	if len(p.buf) < h.total() {
		return errNeedMore
	}
	return nil
}

// take removes the first n buffered bytes and returns a copy of them.
func (p *Parser) take(n int) []byte {
	out := bytes.Clone(p.buf[:n])
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

func (p *Parser) sendInit() error {
	if p.initSent {
		return nil
	}
	p.initSent = true
	return p.h.InitSegment(p.init)
}

func (p *Parser) cluster(data []byte) error {
	if !p.durations {
		return p.h.MediaSegment(MediaSegment{Cluster: data, Duration: UnknownDuration})
	}

	tc, ok := decodeClusterTimecode(data)
	next := &pendingCluster{data: data, timecode: tc, ok: ok}
	prev := p.pending
	p.pending = next
	if prev == nil {
		return nil
	}

	duration := int64(UnknownDuration)
	if prev.ok && ok && tc >= prev.timecode {
		duration = int64((tc - prev.timecode) * p.scale / 1000000)
	}
	return p.h.MediaSegment(MediaSegment{Cluster: prev.data, Duration: duration})
}

func (p *Parser) flushPending() error {
	if p.pending == nil {
		return nil
	}
	prev := p.pending
	p.pending = nil
	return p.h.MediaSegment(MediaSegment{Cluster: prev.data, Duration: UnknownDuration})
}
