package harvest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidRange is returned for a backfill range that is neither "a-b" nor "-n"
var ErrInvalidRange = errors.New("invalid harvest range")

var (
	spanPattern  = regexp.MustCompile(`^(\d+)-(\d+)$`)
	countPattern = regexp.MustCompile(`^-(\d+)$`)
)

// Range is a parsed backfill range. Either Start/End or Count is set.
type Range struct {
	Start uint32
	End   uint32
	Count uint32
}

// ParseRange parses "a-b" (blocks a through b) or "-n" (the n blocks before
// the last finished one).
func ParseRange(s string) (Range, error) {
	if m := spanPattern.FindStringSubmatch(s); m != nil {
		start, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Range{}, fmt.Errorf("%w %q: %v", ErrInvalidRange, s, err)
		}
		end, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Range{}, fmt.Errorf("%w %q: %v", ErrInvalidRange, s, err)
		}
		if start > end {
			return Range{}, fmt.Errorf("%w %q: start after end", ErrInvalidRange, s)
		}
		return Range{Start: uint32(start), End: uint32(end)}, nil
	}
	if m := countPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil || n == 0 {
			return Range{}, fmt.Errorf("%w %q", ErrInvalidRange, s)
		}
		return Range{Count: uint32(n)}, nil
	}
	return Range{}, fmt.Errorf("%w %q", ErrInvalidRange, s)
}

// Blocks lists the blocks of the range given the current block. Spans are
// walked from the end down. Counts step back from current-2 and stop at
// block 1.
func (r Range) Blocks(current uint32) []uint32 {
	var out []uint32
	if r.Count > 0 {
		for i := uint32(1); i <= r.Count; i++ {
			if current < 2+i {
				break
			}
			out = append(out, current-1-i)
		}
		return out
	}
	for b := r.End; b >= r.Start && b > 0; b-- {
		out = append(out, b)
		if b == r.Start {
			break
		}
	}
	return out
}
