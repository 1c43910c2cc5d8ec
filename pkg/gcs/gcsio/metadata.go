package gcsio

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/backoff"
	"github.com/hail-is/gcs-connector/pkg/gcs/transport"
)

// metadataResolver fetches object metadata at most once per channel and
// enforces the generation-pinning and gzip policies. A failed resolution
// leaves the resolver usable for another attempt.
type metadataResolver struct {
	storage transport.Storage
	handle  gcs.ObjectHandle
	opts    *options
	log     logrus.FieldLogger

	md *gcs.ObjectMetadata
	// storedSize is the on-disk size of a gzip object, which is not the
	// number of bytes the channel will deliver.
	storedSize int64
}

func (r *metadataResolver) resolved() bool { return r.md != nil }

// resolve returns the cached metadata, fetching it with transient retries on
// first use.
func (r *metadataResolver) resolve(ctx context.Context) (gcs.ObjectMetadata, error) {
	if r.md != nil {
		return *r.md, nil
	}

	var md gcs.ObjectMetadata
	err := retryTransient(ctx, r.opts, r.log, "fetch metadata", func() error {
		var err error
		md, err = r.storage.FetchMetadata(ctx, r.handle)
		return err
	})
	if err != nil {
		return gcs.ObjectMetadata{}, err
	}

	if md.Gzipped() && !r.opts.supportGzip {
		return gcs.ObjectMetadata{}, fmt.Errorf("%s: %w", r.handle, gcs.ErrGzipUnsupported)
	}
	if r.handle.Pinned() && md.Generation != r.handle.Generation {
		return gcs.ObjectMetadata{}, &gcs.GenerationMismatchError{
			Handle:   r.handle,
			Resolved: md.Generation,
		}
	}
	if md.Gzipped() {
		// The decoded length is unknown until EOF; expose the sentinel and
		// keep the stored size around for logging.
		r.storedSize = md.Size
		md.Size = gcs.SizeUnknown
		r.log.Debugf("gzip object, %d bytes stored, decoded size unknown", r.storedSize)
	}

	r.md = &md
	return md, nil
}

// retryTransient runs fn until it succeeds, fails with a non-transient
// error, or the backoff budget runs out. A fresh sequencer is constructed
// per call; the last transient error is surfaced when the budget is
// exhausted.
func retryTransient(ctx context.Context, o *options, log logrus.FieldLogger, op string, fn func() error) error {
	var seq *backoff.Sequencer
	for {
		err := fn()
		if err == nil || !gcs.IsTransient(err) {
			return err
		}
		if seq == nil {
			seq = newSequencer(o.backoff, o.clock, o.rnd)
		}
		d, ok := seq.Next()
		if !ok {
			log.Warnf("%s: retry budget exhausted after %v: %v", op, seq.Elapsed(), err)
			return err
		}
		o.stats.RecordRetry()
		log.Debugf("%s: transient failure, retrying in %v: %v", op, d, err)
		if serr := o.sleep(ctx, d); serr != nil {
			return serr
		}
	}
}

func newSequencer(cfg backoff.Config, clock backoff.Clock, rnd func() float64) *backoff.Sequencer {
	if rnd == nil {
		rnd = rand.Float64
	}
	return backoff.NewWithClock(cfg, clock, rnd)
}
