package gcsio

import "sync/atomic"

// StatsSink observes channel activity. Implementations must be cheap; the
// channel invokes them inline on the read path. The channel never hard-wires
// a sink; the surrounding façade installs one via WithStats.
type StatsSink interface {
	// RecordRead observes bytes delivered to the caller from the stream.
	RecordRead(n int64)
	// RecordFooterHit observes bytes served from the footer cache.
	RecordFooterHit(n int64)
	// RecordStreamOpen observes a new upstream stream being opened.
	RecordStreamOpen()
	// RecordInplaceSeek observes bytes drained and discarded to satisfy a
	// forward seek without a new request.
	RecordInplaceSeek(n int64)
	// RecordSeek observes an explicit seek.
	RecordSeek()
	// RecordRetry observes a retry of a transient failure.
	RecordRetry()
}

type nopStats struct{}

func (nopStats) RecordRead(int64)        {}
func (nopStats) RecordFooterHit(int64)   {}
func (nopStats) RecordStreamOpen()       {}
func (nopStats) RecordInplaceSeek(int64) {}
func (nopStats) RecordSeek()             {}
func (nopStats) RecordRetry()            {}

// ChannelStats is a ready-made StatsSink backed by atomic counters. A single
// instance may be shared by several channels.
type ChannelStats struct {
	bytesRead       atomic.Int64
	footerBytes     atomic.Int64
	streamsOpened   atomic.Int64
	inplaceSeekByte atomic.Int64
	seeks           atomic.Int64
	retries         atomic.Int64
}

// RecordRead implements StatsSink.
func (s *ChannelStats) RecordRead(n int64) { s.bytesRead.Add(n) }

// RecordFooterHit implements StatsSink.
func (s *ChannelStats) RecordFooterHit(n int64) { s.footerBytes.Add(n) }

// RecordStreamOpen implements StatsSink.
func (s *ChannelStats) RecordStreamOpen() { s.streamsOpened.Add(1) }

// RecordInplaceSeek implements StatsSink.
func (s *ChannelStats) RecordInplaceSeek(n int64) { s.inplaceSeekByte.Add(n) }

// RecordSeek implements StatsSink.
func (s *ChannelStats) RecordSeek() { s.seeks.Add(1) }

// RecordRetry implements StatsSink.
func (s *ChannelStats) RecordRetry() { s.retries.Add(1) }

// StatsSnapshot is a point-in-time copy of a ChannelStats.
type StatsSnapshot struct {
	BytesRead        int64 `json:"bytes_read"`
	FooterBytes      int64 `json:"footer_bytes"`
	StreamsOpened    int64 `json:"streams_opened"`
	InplaceSeekBytes int64 `json:"inplace_seek_bytes"`
	Seeks            int64 `json:"seeks"`
	Retries          int64 `json:"retries"`
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *ChannelStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesRead:        s.bytesRead.Load(),
		FooterBytes:      s.footerBytes.Load(),
		StreamsOpened:    s.streamsOpened.Load(),
		InplaceSeekBytes: s.inplaceSeekByte.Load(),
		Seeks:            s.seeks.Load(),
		Retries:          s.retries.Load(),
	}
}
