package fileserver

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errBadRange   = errors.New("malformed range")
	errMultiRange = errors.New("multiple ranges")
	errRangeSize  = errors.New("range not satisfiable")
)

// parseRange parses a Range header against a resource of size bytes and
// returns the inclusive bounds. Only one "bytes" range is accepted; the
// forms "a-b", "a-" and "-n" are understood.
func parseRange(h string, size int64) (start, end int64, err error) {
	const unit = "bytes="
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, unit) {
		return 0, 0, errBadRange
	}
	set := strings.TrimSpace(h[len(unit):])
	if strings.Contains(set, ",") {
		return 0, 0, errMultiRange
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return 0, 0, errBadRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	switch {
	case first == "" && last == "":
		return 0, 0, errBadRange
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errBadRange
		}
		if n == 0 || size == 0 {
			return 0, 0, errRangeSize
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errBadRange
	}
	if last == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, errBadRange
		}
	}
	if start > end || start >= size || end >= size {
		return 0, 0, errRangeSize
	}
	return start, end, nil
}
