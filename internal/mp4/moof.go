package mp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	amp4 "github.com/abema/go-mp4"
)

// Fragment sample flag bits from ISO 14496-12.
const (
	tfhdDefaultSampleDurationPresent = 0x000008
	tfhdDefaultSampleFlagsPresent    = 0x000020

	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleFlagsPresent      = 0x000400

	sampleFlagIsNonSyncSample = 1 << 16
)

// TrackTiming is the decode timeline contribution of one track in a moof.
type TrackTiming struct {
	BaseTime uint64 // baseMediaDecodeTime before any rewrite
	Duration uint64 // sum of sample durations, in track timescale units
	Samples  int
}

// RewriteMoof adds the per-track tick offsets to every traf's
// baseMediaDecodeTime, patching the tfdt fields in place, and returns the
// original timing per track. A nil or empty offsets map makes this a pure
// read. The rewrite is atomic: if any traf fails to parse or a patched
// value cannot be represented, moof is left untouched and an error is
// returned.
func RewriteMoof(moof []byte, offsets map[uint32]int64) (map[uint32]TrackTiming, error) {
	if len(moof) < 8 || string(moof[4:8]) != string(BoxTypeMoof) {
		return nil, fmt.Errorf("not a moof box")
	}

	type tfdtPatch struct {
		pos     int
		version byte
		base    uint64
	}

	timings := make(map[uint32]TrackTiming)
	var patches []tfdtPatch

	err := walkChildren(moof, 8, len(moof), func(typ string, ps, pe int) error {
		if typ != "traf" {
			return nil
		}

		tfhd, err := parseTfhd(moof, ps, pe)
		if err != nil {
			return err
		}

		tfdtStart, tfdtEnd, ok, err := findChild(moof, ps, pe, "tfdt")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("traf for track %d has no tfdt", tfhd.TrackID)
		}
		version, base, err := parseTfdt(moof[tfdtStart:tfdtEnd])
		if err != nil {
			return fmt.Errorf("track %d: %w", tfhd.TrackID, err)
		}

		timing := TrackTiming{BaseTime: base}
		if err := forEachTrun(moof, ps, pe, func(trun *amp4.Trun) error {
			dur, n := trunDuration(trun, tfhd)
			timing.Duration += dur
			timing.Samples += n
			return nil
		}); err != nil {
			return fmt.Errorf("track %d: %w", tfhd.TrackID, err)
		}
		timings[tfhd.TrackID] = timing

		offset := offsets[tfhd.TrackID]
		if offset == 0 {
			return nil
		}
		rewritten := int64(base) + offset
		if rewritten < 0 {
			return fmt.Errorf("track %d: offset %d underflows base time %d", tfhd.TrackID, offset, base)
		}
		if version == 0 && rewritten > math.MaxUint32 {
			return fmt.Errorf("track %d: base time %d overflows 32-bit tfdt", tfhd.TrackID, rewritten)
		}
		patches = append(patches, tfdtPatch{pos: tfdtStart + 4, version: version, base: uint64(rewritten)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range patches {
		if p.version == 0 {
			binary.BigEndian.PutUint32(moof[p.pos:p.pos+4], uint32(p.base))
		} else {
			binary.BigEndian.PutUint64(moof[p.pos:p.pos+8], p.base)
		}
	}
	return timings, nil
}

// FirstSampleIsSync reports whether the first sample of the moof's first
// traf is a sync sample. The answer comes from the first trun's per-sample
// flags, then its first-sample-flags, then the tfhd default. It is nil
// when none of those carry sample flags.
func FirstSampleIsSync(moof []byte) (*bool, error) {
	if len(moof) < 8 || string(moof[4:8]) != string(BoxTypeMoof) {
		return nil, fmt.Errorf("not a moof box")
	}

	var result *bool
	err := walkChildren(moof, 8, len(moof), func(typ string, ps, pe int) error {
		if typ != "traf" || result != nil {
			return nil
		}

		tfhd, err := parseTfhd(moof, ps, pe)
		if err != nil {
			return err
		}

		var flags uint32
		found := false
		err = forEachTrun(moof, ps, pe, func(trun *amp4.Trun) error {
			if found {
				return nil
			}
			tf := fullBoxFlags(&trun.FullBox)
			switch {
			case tf&trunSampleFlagsPresent != 0 && len(trun.Entries) > 0:
				flags = trun.Entries[0].SampleFlags
				found = true
			case tf&trunFirstSampleFlagsPresent != 0:
				flags = trun.FirstSampleFlags
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found && fullBoxFlags(&tfhd.FullBox)&tfhdDefaultSampleFlagsPresent != 0 {
			flags = tfhd.DefaultSampleFlags
			found = true
		}
		if !found {
			return errStopWalk
		}

		nonSync := flags&sampleFlagIsNonSyncSample != 0
		dependsOn := (flags >> 24) & 0x3
		sync := !nonSync && dependsOn != 1
		result = &sync
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	return result, nil
}

func parseTfhd(moof []byte, trafStart, trafEnd int) (*amp4.Tfhd, error) {
	ps, pe, ok, err := findChild(moof, trafStart, trafEnd, "tfhd")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("traf has no tfhd")
	}
	var tfhd amp4.Tfhd
	if _, err := amp4.Unmarshal(bytes.NewReader(moof[ps:pe]), uint64(pe-ps), &tfhd, amp4.Context{}); err != nil {
		return nil, fmt.Errorf("parsing tfhd: %w", err)
	}
	return &tfhd, nil
}

func forEachTrun(moof []byte, trafStart, trafEnd int, fn func(*amp4.Trun) error) error {
	return walkChildren(moof, trafStart, trafEnd, func(typ string, ps, pe int) error {
		if typ != "trun" {
			return nil
		}
		var trun amp4.Trun
		if _, err := amp4.Unmarshal(bytes.NewReader(moof[ps:pe]), uint64(pe-ps), &trun, amp4.Context{}); err != nil {
			return fmt.Errorf("parsing trun: %w", err)
		}
		return fn(&trun)
	})
}

// trunDuration sums the durations of a trun's samples, falling back to the
// tfhd default duration when the trun carries none.
func trunDuration(trun *amp4.Trun, tfhd *amp4.Tfhd) (uint64, int) {
	count := int(trun.SampleCount)
	if fullBoxFlags(&trun.FullBox)&trunSampleDurationPresent != 0 {
		var total uint64
		for _, e := range trun.Entries {
			total += uint64(e.SampleDuration)
		}
		return total, count
	}
	if fullBoxFlags(&tfhd.FullBox)&tfhdDefaultSampleDurationPresent != 0 {
		return uint64(tfhd.DefaultSampleDuration) * uint64(count), count
	}
	return 0, count
}

func fullBoxFlags(fb *amp4.FullBox) uint32 {
	return uint32(fb.Flags[0])<<16 | uint32(fb.Flags[1])<<8 | uint32(fb.Flags[2])
}

// parseTfdt decodes a tfdt payload into its version and base time.
func parseTfdt(payload []byte) (byte, uint64, error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("tfdt too short")
	}
	version := payload[0]
	switch version {
	case 0:
		return 0, uint64(binary.BigEndian.Uint32(payload[4:8])), nil
	case 1:
		if len(payload) < 12 {
			return 0, 0, fmt.Errorf("tfdt version 1 too short")
		}
		return 1, binary.BigEndian.Uint64(payload[4:12]), nil
	default:
		return 0, 0, fmt.Errorf("unsupported tfdt version %d", version)
	}
}
