package gcsio

import (
	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/transport"
)

// fadviseState tracks the channel's access-pattern mode. AUTO may transition
// to RANDOM exactly once; SEQUENTIAL and RANDOM are terminal.
type fadviseState struct {
	mode         FadviseMode
	transitioned bool
}

// randomAccess reports whether the effective mode is RANDOM.
func (f *fadviseState) randomAccess() bool {
	return f.mode == FadviseRandom || (f.mode == FadviseAuto && f.transitioned)
}

// noteSeek records a seek from oldPos to newPos. While the mode is AUTO, a
// backward seek or a forward jump beyond inplaceSeekLimit flips the channel
// to RANDOM for the rest of its lifetime. Reports whether the transition
// fired on this call.
func (f *fadviseState) noteSeek(oldPos, newPos, inplaceSeekLimit int64) bool {
	if f.mode != FadviseAuto || f.transitioned {
		return false
	}
	if newPos < oldPos || newPos-oldPos > inplaceSeekLimit {
		f.transitioned = true
		return true
	}
	return false
}

// planRange decides what byte range to request when (re)opening the content
// stream at position.
//
// Sequential access streams unbounded from position. Random access bounds
// the request to max(minRange, bufferHint) bytes, clipped to the object end,
// and truncated to just before an already-cached footer so cached bytes are
// not refetched.
func planRange(position, size int64, randomAccess bool, minRange, bufferHint int64, footer *footerSegment) transport.RangeSpec {
	if !randomAccess {
		return transport.RangeSpec{First: position, Last: -1}
	}

	span := minRange
	if bufferHint > span {
		span = bufferHint
	}
	last := position + span - 1
	if size != gcs.SizeUnknown && last > size-1 {
		last = size - 1
	}
	if footer != nil && position < footer.start && last >= footer.start {
		last = footer.start - 1
	}
	return transport.RangeSpec{First: position, Last: last}
}
