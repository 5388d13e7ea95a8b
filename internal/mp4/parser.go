// Package mp4 provides incremental parsing of fragmented MP4 byte streams
// and the moov/moof box surgery the segmenter needs: track-timescale
// extraction, in-place tfdt rewriting, and keyframe detection.
package mp4

import (
	"bytes"
	"fmt"
	"sync"
)

// BoxType is a four-character MP4 box code.
type BoxType string

// Top-level box types the segmenter cares about. Anything else is
// passed through untouched.
const (
	BoxTypeFtyp BoxType = "ftyp"
	BoxTypeMoov BoxType = "moov"
	BoxTypeMoof BoxType = "moof"
	BoxTypeMdat BoxType = "mdat"
)

// Box is one complete top-level box, header included.
type Box struct {
	Type BoxType
	Data []byte
}

// maxBoxSize guards against nonsense sizes from a corrupted capture.
// A single fragment from the recorder is a few MB at most.
const maxBoxSize = 512 << 20

// compactThreshold is the buffer capacity above which an emptied
// accumulation buffer is released back to the allocator.
const compactThreshold = 1 << 20

// Parser incrementally splits a byte stream into complete top-level boxes.
// A moof is held back until the box that follows it is also complete, so a
// consumer never observes a fragment header without its payload.
//
// Parser implements io.Writer; Write never blocks on the consumer.
type Parser struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	onBox func(Box)
	err   error
}

// NewParser creates a parser that invokes onBox for every complete
// top-level box, in stream order.
func NewParser(onBox func(Box)) *Parser {
	return &Parser{onBox: onBox}
}

// Write feeds capture bytes into the parser. Complete boxes are emitted
// synchronously before Write returns. Once the stream is malformed at the
// top level the parser stays failed: resynchronizing inside an MP4 stream
// is not possible.
func (p *Parser) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return 0, p.err
	}

	p.buf.Write(data)
	if err := p.parse(); err != nil {
		p.err = err
		return 0, err
	}
	return len(data), nil
}

// Buffered returns the number of bytes held waiting for box completion.
func (p *Parser) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func (p *Parser) parse() error {
	// bytes.Buffer never shrinks, so release it once drained.
	if p.buf.Len() == 0 && p.buf.Cap() > compactThreshold {
		p.buf = bytes.Buffer{}
	}

	for p.buf.Len() >= 8 {
		boxSize, ok, err := p.peekHeader(0)
		if err != nil {
			return err
		}
		if !ok || uint64(p.buf.Len()) < boxSize {
			return nil
		}

		boxType := BoxType(p.buf.Bytes()[4:8])

		// Hold a complete moof until its successor box (normally the
		// paired mdat) is complete too, so segment cuts always happen on
		// whole fragments.
		if boxType == BoxTypeMoof {
			if uint64(p.buf.Len()) < boxSize+8 {
				return nil
			}
			nextSize, nextOK, err := p.peekHeader(int(boxSize))
			if err != nil {
				return err
			}
			if !nextOK || uint64(p.buf.Len()) < boxSize+nextSize {
				return nil
			}
		}

		boxData := make([]byte, boxSize)
		_, _ = p.buf.Read(boxData)
		p.onBox(Box{Type: boxType, Data: boxData})
	}

	return nil
}

// peekHeader reads the size of the box starting at offset into the
// buffered bytes. ok is false when the header (or extended header) is not
// yet complete.
func (p *Parser) peekHeader(offset int) (size uint64, ok bool, err error) {
	b := p.buf.Bytes()
	if len(b) < offset+8 {
		return 0, false, nil
	}
	header := b[offset : offset+8]
	size = uint64(header[0])<<24 | uint64(header[1])<<16 | uint64(header[2])<<8 | uint64(header[3])
	headerLen := 8

	if size == 1 {
		// 64-bit extended size follows the type field.
		if len(b) < offset+16 {
			return 0, false, nil
		}
		ext := b[offset+8 : offset+16]
		size = uint64(ext[0])<<56 | uint64(ext[1])<<48 | uint64(ext[2])<<40 | uint64(ext[3])<<32 |
			uint64(ext[4])<<24 | uint64(ext[5])<<16 | uint64(ext[6])<<8 | uint64(ext[7])
		headerLen = 16
	}

	if size < uint64(headerLen) {
		return 0, false, fmt.Errorf("invalid box size %d for %q", size, string(header[4:8]))
	}
	if size > maxBoxSize {
		return 0, false, fmt.Errorf("box %q size %d exceeds limit", string(header[4:8]), size)
	}
	return size, true, nil
}
