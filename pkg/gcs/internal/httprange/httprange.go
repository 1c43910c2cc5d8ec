// Package httprange builds and parses HTTP byte-range headers for ranged
// object reads. Parsing is strict: only the absolute-start single-range
// forms the channel itself produces are accepted, and intervals must be
// well ordered.
package httprange

import (
	"fmt"
	"strconv"
	"strings"
)

// Header constructs a "Range" header value for a given start and inclusive
// end. A negative end produces the unbounded form "bytes=start-".
func Header(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// ContentRange renders a "Content-Range" header value.
func ContentRange(start, end, total int64) string {
	if total < 0 {
		return fmt.Sprintf("bytes %d-%d/*", start, end)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

// offset parses a non-negative decimal byte offset.
func offset(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, err == nil && v >= 0
}

// Parse parses a single "Range: bytes=first-last" header. It returns
// (first, last, ok); last == -1 when the range is unbounded.
//
// Suffix ranges ("-N") and multi-range specifications are not produced by
// this client and are rejected.
func Parse(h string) (int64, int64, bool) {
	spec, found := strings.CutPrefix(strings.ToLower(strings.TrimSpace(h)), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, -1, false
	}
	firstStr, lastStr, dashed := strings.Cut(spec, "-")
	if !dashed {
		return 0, -1, false
	}
	first, ok := offset(firstStr) // also rejects the empty suffix form
	if !ok {
		return 0, -1, false
	}
	if strings.TrimSpace(lastStr) == "" {
		return first, -1, true
	}
	last, ok := offset(lastStr)
	if !ok || last < first {
		return 0, -1, false
	}
	return first, last, true
}

// ParseContentRange parses "Content-Range: bytes first-last/total". It
// returns (first, last, total, ok); total == -1 when the server reports it
// as unknown ("*"). Inverted intervals and intervals extending past a known
// total are rejected as malformed.
func ParseContentRange(h string) (int64, int64, int64, bool) {
	body, found := strings.CutPrefix(strings.ToLower(strings.TrimSpace(h)), "bytes ")
	if !found {
		return 0, -1, -1, false
	}
	span, totalStr, slashed := strings.Cut(strings.TrimSpace(body), "/")
	if !slashed {
		return 0, -1, -1, false
	}
	firstStr, lastStr, dashed := strings.Cut(span, "-")
	if !dashed {
		return 0, -1, -1, false
	}
	first, ok := offset(firstStr)
	if !ok {
		return 0, -1, -1, false
	}
	last, ok := offset(lastStr)
	if !ok || last < first {
		return 0, -1, -1, false
	}
	total := int64(-1)
	if t := strings.TrimSpace(totalStr); t != "*" {
		if total, ok = offset(t); !ok || last >= total {
			return 0, -1, -1, false
		}
	}
	return first, last, total, true
}
