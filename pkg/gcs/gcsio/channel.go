// Package gcsio implements a seekable, POSIX-like read surface over a
// single remote object. A channel chooses between streaming and bounded
// range requests based on the observed access pattern, skips forward within
// a live stream instead of reopening it where that is cheaper, caches the
// object footer for columnar tail probes, and absorbs transient server
// failures with truncated exponential backoff.
//
// A channel is a non-reentrant, caller-serialised resource: at most one
// operation may be in flight at a time. Distinct channels, even over the
// same object, are fully independent.
package gcsio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/backoff"
	"github.com/hail-is/gcs-connector/pkg/gcs/transport"
)

// ReadChannel reads a single remote object through at most one live
// upstream stream and at most one cached footer segment.
type ReadChannel struct {
	handle  gcs.ObjectHandle
	storage transport.Storage
	opts    options
	log     logrus.FieldLogger
	stats   StatsSink

	resolver metadataResolver

	// position is the next byte index the caller will read.
	position int64
	stream   *liveStream
	fadvise  fadviseState

	footer        *footerSegment
	footerFetched bool
	readStarted   bool

	// gzipDone and gzipSize capture the decoded length once a gzip stream
	// has been fully drained.
	gzipDone bool
	gzipSize int64

	closed bool
}

// liveStream is the open upstream byte source.
type liveStream struct {
	body io.ReadCloser
	// pos is the object offset of the next byte body yields.
	pos int64
	// end is the exclusive upper bound of the requested range;
	// gcs.SizeUnknown when the request was unbounded.
	end int64
}

// NewReadChannel opens a read channel over handle. With the default
// fail-on-not-found behaviour the object's metadata is resolved before
// returning, so a missing object or a pinned-generation mismatch fails the
// open; otherwise resolution is deferred to the first size-dependent
// operation.
func NewReadChannel(ctx context.Context, storage transport.Storage, handle gcs.ObjectHandle, opts ...Option) (*ReadChannel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	log := o.logger.WithFields(logrus.Fields{
		"channel": uuid.NewString()[:8],
		"object":  handle.String(),
	})
	c := &ReadChannel{
		handle:  handle,
		storage: storage,
		opts:    o,
		log:     log,
		stats:   o.stats,
		fadvise: fadviseState{mode: o.fadvise},
	}
	c.resolver = metadataResolver{
		storage: storage,
		handle:  handle,
		opts:    &c.opts,
		log:     log,
	}

	if o.failOnNotFound {
		if _, err := c.resolver.resolve(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Position returns the current logical position.
func (c *ReadChannel) Position() int64 {
	return c.position
}

// RandomAccess reports whether the channel's effective access pattern is
// random, either because it was configured that way or because an AUTO
// channel detected it. Once true it stays true.
func (c *ReadChannel) RandomAccess() bool {
	return c.fadvise.randomAccess()
}

// Size returns the object's decoded size, resolving metadata if it has not
// been resolved yet. For gzip objects the size is unknown (gcs.SizeUnknown)
// until the stream has been fully drained, after which the actual number of
// decoded bytes is reported.
func (c *ReadChannel) Size(ctx context.Context) (int64, error) {
	if c.closed {
		return 0, gcs.ErrChannelClosed
	}
	md, err := c.resolver.resolve(ctx)
	if err != nil {
		return 0, err
	}
	if md.Gzipped() && c.gzipDone {
		return c.gzipSize, nil
	}
	return md.Size, nil
}

// Seek repositions the channel. A forward seek within the in-place limit
// drains the live stream instead of opening a new request; any other seek
// invalidates the stream, and no network request is made until the next
// read. Seeking past end-of-object is not itself an error; the next read
// reports EOF.
func (c *ReadChannel) Seek(ctx context.Context, p int64) error {
	if c.closed {
		return gcs.ErrChannelClosed
	}
	if p < 0 {
		return fmt.Errorf("%w: negative seek offset %d", gcs.ErrInvalidArgument, p)
	}
	if p == c.position {
		return nil
	}
	if c.resolver.resolved() && c.resolver.md.Gzipped() && p != 0 {
		return fmt.Errorf("%w: gzip reads are sequential, cannot seek to %d", gcs.ErrInvalidArgument, p)
	}
	c.stats.RecordSeek()

	if c.fadvise.noteSeek(c.position, p, c.opts.inplaceSeekLimit) {
		c.log.Debug("random access pattern detected, switching to bounded range requests")
		c.invalidateStream()
		c.position = p
		return nil
	}

	if c.stream != nil && p > c.stream.pos && p-c.stream.pos <= c.opts.inplaceSeekLimit && p < c.stream.end {
		if c.skipInStream(p) {
			c.position = p
			return nil
		}
	}

	c.invalidateStream()
	c.position = p
	return nil
}

// skipInStream drains the live stream up to target. On any failure the
// stream is invalidated and the seek falls back to the reopen path.
func (c *ReadChannel) skipInStream(target int64) bool {
	n, err := io.CopyN(io.Discard, c.stream.body, target-c.stream.pos)
	c.stream.pos += n
	if err != nil || c.stream.pos != target {
		c.invalidateStream()
		return false
	}
	c.stats.RecordInplaceSeek(n)
	return true
}

// Read reads up to len(p) bytes from the current position, advancing it by
// the number of bytes delivered. It returns io.EOF once the position has
// reached end-of-object. Transient failures are retried internally; bytes
// already delivered are never redelivered.
func (c *ReadChannel) Read(ctx context.Context, p []byte) (int, error) {
	if c.closed {
		return 0, gcs.ErrChannelClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	md, err := c.resolver.resolve(ctx)
	if err != nil {
		return 0, err
	}
	gz := md.Gzipped()
	if !gz && c.position >= md.Size {
		return 0, io.EOF
	}
	if gz && c.gzipDone && c.position >= c.gzipSize {
		return 0, io.EOF
	}

	if err := c.maybePrefetchFooter(ctx, md, int64(len(p))); err != nil {
		return 0, err
	}
	c.readStarted = true

	var seq *backoff.Sequencer
	total := 0
	for {
		// Serve from the cached footer without touching the network, even
		// when a live stream is open elsewhere.
		if c.footer != nil && c.footer.contains(c.position) {
			n := copy(p[total:], c.footer.data[c.position-c.footer.start:])
			c.position += int64(n)
			total += n
			c.stats.RecordFooterHit(int64(n))
			if total == len(p) {
				break
			}
			continue
		}

		if !gz && c.position >= md.Size {
			break
		}
		if gz && c.gzipDone && c.position >= c.gzipSize {
			break
		}
		if total == len(p) {
			break
		}

		// A stream whose position no longer matches ours (footer bytes were
		// served past it) or that has been fully consumed is useless.
		if c.stream != nil && (c.stream.pos != c.position ||
			(c.stream.end != gcs.SizeUnknown && c.stream.pos >= c.stream.end)) {
			c.invalidateStream()
		}
		if c.stream == nil {
			if total > 0 {
				break
			}
			if err := c.openStream(ctx, md, int64(len(p))); err != nil {
				return 0, err
			}
		}

		// Never read past a bounded range, even if the server sent more.
		dst := p[total:]
		if c.stream.end != gcs.SizeUnknown {
			if remain := c.stream.end - c.stream.pos; int64(len(dst)) > remain {
				dst = dst[:remain]
			}
		}

		n, rerr := c.stream.body.Read(dst)
		if n > 0 {
			c.stream.pos += int64(n)
			c.position += int64(n)
			total += n
			c.stats.RecordRead(int64(n))
		}
		drained := c.stream.end != gcs.SizeUnknown && c.stream.pos >= c.stream.end

		if rerr == nil {
			if drained {
				// A bounded range was consumed exactly; the remainder of the
				// request, if any, may come from the footer cache.
				c.invalidateStream()
				continue
			}
			if n > 0 {
				break
			}
			continue
		}

		if errors.Is(rerr, io.EOF) {
			c.invalidateStream()
			if gz {
				c.gzipDone = true
				c.gzipSize = c.position
				c.log.Debugf("gzip stream drained, decoded size %d bytes", c.gzipSize)
				break
			}
			if drained || c.position >= md.Size {
				break
			}
			// The server truncated the stream before the promised end.
			rerr = gcs.Transient(errors.New("stream ended before the requested range"))
		} else {
			c.invalidateStream()
			rerr = gcs.Transient(rerr)
		}

		// Mid-stream failure. Bytes already delivered go back to the caller
		// now; otherwise retry the open at the current position.
		if total > 0 {
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}
		if seq == nil {
			seq = newSequencer(c.opts.backoff, c.opts.clock, c.opts.rnd)
		}
		d, ok := seq.Next()
		if !ok {
			c.log.Warnf("read: retry budget exhausted after %v: %v", seq.Elapsed(), rerr)
			return 0, rerr
		}
		c.stats.RecordRetry()
		c.log.Debugf("read: transient mid-stream failure, reopening at %d in %v: %v", c.position, d, rerr)
		if serr := c.opts.sleep(ctx, d); serr != nil {
			return 0, serr
		}
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// openStream plans a byte range for the current position and opens it,
// retrying transient failures under the backoff policy.
func (c *ReadChannel) openStream(ctx context.Context, md gcs.ObjectMetadata, bufferHint int64) error {
	random := c.fadvise.randomAccess() && !md.Gzipped()
	spec := planRange(c.position, md.Size, random, c.opts.minRangeRequestSize, bufferHint, c.footer)

	var stream *transport.ObjectStream
	err := retryTransient(ctx, &c.opts, c.log, "open stream", func() error {
		s, err := c.storage.OpenRange(ctx, c.handle, spec)
		if err != nil {
			return err
		}
		if s.Start > spec.First {
			_ = s.Body.Close()
			return gcs.Transient(fmt.Errorf("stream starts at byte %d, requested %d", s.Start, spec.First))
		}
		// Gzip streams always restart at zero (the server ignores ranges
		// while transcoding), and a server is free to answer a range with a
		// full response. Either way, discard up to the current position.
		if s.Start < c.position {
			if _, err := io.CopyN(io.Discard, s.Body, c.position-s.Start); err != nil {
				_ = s.Body.Close()
				return gcs.Transient(fmt.Errorf("discarding up to position %d: %w", c.position, err))
			}
		}
		stream = s
		return nil
	})
	if err != nil {
		return err
	}

	end := gcs.SizeUnknown
	if !spec.Unbounded() {
		end = spec.Last + 1
	}
	c.stream = &liveStream{body: stream.Body, pos: c.position, end: end}
	c.stats.RecordStreamOpen()

	c.log.WithFields(logrus.Fields{
		"range":  fmt.Sprintf("[%d, %d)", spec.First, end),
		"random": random,
	}).Debug("opened object stream")
	return nil
}

// maybePrefetchFooter fetches the object's tail region with a dedicated
// range request the first time a read touches it, when the access pattern
// warrants caching. The fetch happens at most once per channel; a failed
// prefetch degrades to plain streaming.
func (c *ReadChannel) maybePrefetchFooter(ctx context.Context, md gcs.ObjectMetadata, want int64) error {
	if c.footerFetched || md.Gzipped() || md.Size == 0 {
		return nil
	}
	size := footerSize(md.Size, c.opts.minRangeRequestSize, c.opts.footerPrefetchSize)
	if size <= 0 {
		return nil
	}
	start := md.Size - size
	if c.position+want <= start {
		return nil
	}
	// Sequential channels cache the footer only when their very first read
	// lands in it and it is a proper tail of the object (a columnar tail
	// probe); random-access channels always do.
	if !c.fadvise.randomAccess() && (c.readStarted || start == 0) {
		return nil
	}

	c.footerFetched = true
	spec := transport.RangeSpec{First: start, Last: md.Size - 1}
	var data []byte
	err := retryTransient(ctx, &c.opts, c.log, "prefetch footer", func() error {
		s, err := c.storage.OpenRange(ctx, c.handle, spec)
		if err != nil {
			return err
		}
		defer s.Body.Close()
		buf := make([]byte, size)
		if _, err := io.ReadFull(s.Body, buf); err != nil {
			return gcs.Transient(fmt.Errorf("reading footer: %w", err))
		}
		data = buf
		return nil
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		c.log.Warnf("footer prefetch failed, falling back to streaming: %v", err)
		return nil
	}

	c.footer = &footerSegment{start: start, data: data}
	c.log.Debugf("cached %d-byte footer at offset %d", size, start)
	return nil
}

// Close releases the upstream stream and the footer buffer. A second call
// is a no-op.
func (c *ReadChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.invalidateStream()
	c.footer = nil
	c.log.Debug("channel closed")
	return nil
}

func (c *ReadChannel) invalidateStream() {
	if c.stream == nil {
		return
	}
	if err := c.stream.body.Close(); err != nil {
		c.log.Debugf("closing stream: %v", err)
	}
	c.stream = nil
}

// CheckInvariants panics when the channel's internal state is inconsistent.
// Tests call it between operations.
func (c *ReadChannel) CheckInvariants() {
	if c.position < 0 {
		panic(fmt.Sprintf("negative position %d", c.position))
	}
	if c.stream != nil && c.stream.end != gcs.SizeUnknown && c.stream.pos > c.stream.end {
		panic(fmt.Sprintf("stream position %d beyond its limit %d", c.stream.pos, c.stream.end))
	}
	if c.footer != nil {
		if !c.resolver.resolved() {
			panic("footer cached without resolved metadata")
		}
		if c.footer.end() != c.resolver.md.Size {
			panic(fmt.Sprintf("footer ends at %d, object size is %d", c.footer.end(), c.resolver.md.Size))
		}
	}
}
