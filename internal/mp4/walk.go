package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errStopWalk halts walkChildren early without signalling a parse failure.
var errStopWalk = errors.New("stop walk")

// walkChildren iterates the direct child boxes inside data[start:end] and
// calls fn with each child's type and the index range of its payload.
// Indexes are relative to data so callers can patch bytes in place.
func walkChildren(data []byte, start, end int, fn func(typ string, payloadStart, payloadEnd int) error) error {
	pos := start
	for pos < end {
		if end-pos < 8 {
			return fmt.Errorf("truncated box header at offset %d", pos)
		}
		size := uint64(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		headerLen := 8

		if size == 1 {
			if end-pos < 16 {
				return fmt.Errorf("truncated extended header for %q at offset %d", typ, pos)
			}
			size = binary.BigEndian.Uint64(data[pos+8 : pos+16])
			headerLen = 16
		} else if size == 0 {
			// Box extends to the end of the enclosing container.
			size = uint64(end - pos)
		}

		if size < uint64(headerLen) || uint64(end-pos) < size {
			return fmt.Errorf("box %q size %d overruns container at offset %d", typ, size, pos)
		}

		if err := fn(typ, pos+headerLen, pos+int(size)); err != nil {
			return err
		}
		pos += int(size)
	}
	return nil
}

// findChild returns the payload range of the first direct child with the
// given type, or ok=false when the container has no such child.
func findChild(data []byte, start, end int, want string) (payloadStart, payloadEnd int, ok bool, err error) {
	err = walkChildren(data, start, end, func(typ string, ps, pe int) error {
		if typ == want {
			payloadStart, payloadEnd = ps, pe
			ok = true
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		err = nil
	}
	return payloadStart, payloadEnd, ok, err
}
