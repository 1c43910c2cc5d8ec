package gcsio

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/backoff"
	"github.com/hail-is/gcs-connector/pkg/gcs/internal/storagetest"
	"github.com/hail-is/gcs-connector/pkg/gcs/transport"
)

var testHandle = gcs.ObjectHandle{Bucket: "data", Name: "obj", Generation: gcs.UnpinnedGeneration}

// withInstantRetries replaces real sleeping with fake-clock advancement so
// retry tests run instantly and deterministically.
func withInstantRetries(clock *storagetest.FakeClock) Option {
	return func(o *options) {
		o.clock = clock
		o.rnd = func() float64 { return 0.5 }
		o.sleep = func(_ context.Context, d time.Duration) error {
			clock.Advance(d)
			return nil
		}
	}
}

func testStorage(store *storagetest.Store) transport.Storage {
	return transport.NewHTTPStorage(
		transport.WithEndpoint("http://store.test"),
		transport.WithHTTPClient(store.Client()),
	)
}

func newTestChannel(t *testing.T, store *storagetest.Store, opts ...Option) *ReadChannel {
	t.Helper()
	opts = append([]Option{withInstantRetries(storagetest.NewFakeClock())}, opts...)
	ch, err := NewReadChannel(context.Background(), testStorage(store), testHandle, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func readFull(t *testing.T, ch *ReadChannel, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := ch.Read(context.Background(), buf[read:])
		require.NoError(t, err)
		require.Positive(t, m)
		read += m
		ch.CheckInvariants()
	}
	return buf
}

func TestSequentialReadAll(t *testing.T) {
	data := storagetest.SequentialData(4096)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store)

	got := readFull(t, ch, len(data))
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), ch.Position())

	_, err := ch.Read(context.Background(), make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	// One unbounded stream serves the whole scan.
	require.Equal(t, []string{"bytes=0-"}, store.RangeHeaders())
}

func TestReadCorrectness(t *testing.T) {
	data := storagetest.SequentialData(1000)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store, WithFadvise(FadviseRandom), WithMinRangeRequestSize(10))

	for _, pos := range []int64{0, 37, 999, 500, 123} {
		require.NoError(t, ch.Seek(context.Background(), pos))
		n := 7
		if int(pos)+n > len(data) {
			n = len(data) - int(pos)
		}
		got := readFull(t, ch, n)
		require.Equal(t, data[pos:int(pos)+n], got, "read at %d", pos)
	}
}

func TestAutoTransitionOnForwardJump(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	ch := newTestChannel(t, store,
		WithFadvise(FadviseAuto),
		WithMinRangeRequestSize(1),
		WithInplaceSeekLimit(2),
	)

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 1))
	require.Equal(t, []byte{1}, readFull(t, ch, 1))
	require.False(t, ch.RandomAccess())

	// Jumping past the in-place limit proves the pattern is random.
	require.NoError(t, ch.Seek(ctx, 5))
	require.True(t, ch.RandomAccess())
	require.Equal(t, []byte{5}, readFull(t, ch, 1))

	require.Equal(t, []string{"bytes=1-", "bytes=5-5"}, store.RangeHeaders())
}

func TestAutoTransitionOnBackwardSeek(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	ch := newTestChannel(t, store, WithFadvise(FadviseAuto), WithMinRangeRequestSize(1))

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 5))
	require.Equal(t, []byte{5}, readFull(t, ch, 1))
	require.False(t, ch.RandomAccess())

	require.NoError(t, ch.Seek(ctx, 0))
	require.True(t, ch.RandomAccess())
	require.Equal(t, []byte{0}, readFull(t, ch, 1))

	require.Equal(t, []string{"bytes=5-", "bytes=0-0"}, store.RangeHeaders())
}

func TestAutoTransitionIsOneWay(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(100))
	ch := newTestChannel(t, store, WithFadvise(FadviseAuto), WithMinRangeRequestSize(4))

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 50))
	readFull(t, ch, 1)
	require.NoError(t, ch.Seek(ctx, 10))
	require.True(t, ch.RandomAccess())

	// Forward, in-order seeks afterwards must not flip it back.
	readFull(t, ch, 1)
	require.NoError(t, ch.Seek(ctx, 12))
	readFull(t, ch, 1)
	require.True(t, ch.RandomAccess())
}

func TestFooterReuse(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	stats := &ChannelStats{}
	ch := newTestChannel(t, store,
		WithFadvise(FadviseRandom),
		WithMinRangeRequestSize(2),
		WithStats(stats),
	)

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 8))
	require.Equal(t, []byte{8, 9}, readFull(t, ch, 2))

	require.NoError(t, ch.Seek(ctx, 7))
	require.Equal(t, []byte{7, 8}, readFull(t, ch, 2))

	// The first read prefetches the footer; the second fetches one byte and
	// serves the other from cache.
	require.Equal(t, []string{"bytes=8-9", "bytes=7-7"}, store.RangeHeaders())
	require.Equal(t, int64(3), stats.Snapshot().FooterBytes)
}

func TestFooterServedWithoutNetwork(t *testing.T) {
	size := 100
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(size))
	ch := newTestChannel(t, store, WithFadvise(FadviseRandom), WithMinRangeRequestSize(10))

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 92))
	readFull(t, ch, 4)
	before := store.MediaRequestCount()

	// Both reads lie inside the cached [90, 100) footer.
	require.NoError(t, ch.Seek(ctx, 95))
	got := readFull(t, ch, 5)
	require.Equal(t, storagetest.SequentialData(size)[95:100], got)
	require.Equal(t, before, store.MediaRequestCount())
}

func TestSequentialFooterProbeOnFirstRead(t *testing.T) {
	data := storagetest.SequentialData(64)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store, WithMinRangeRequestSize(16))

	// A columnar tail probe: the sequential channel's first read lands in
	// the footer region and is served from the prefetched cache.
	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 56))
	require.Equal(t, data[56:60], readFull(t, ch, 4))
	require.Equal(t, []string{"bytes=48-63"}, store.RangeHeaders())

	// Later sequential reads stream as usual.
	require.NoError(t, ch.Seek(ctx, 0))
	require.Equal(t, data[:8], readFull(t, ch, 8))
	require.Equal(t, []string{"bytes=48-63", "bytes=0-"}, store.RangeHeaders())
}

func TestSequentialLateFooterReadDoesNotPrefetch(t *testing.T) {
	data := storagetest.SequentialData(64)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store, WithMinRangeRequestSize(16), WithInplaceSeekLimit(8))

	ctx := context.Background()
	require.Equal(t, data[:4], readFull(t, ch, 4))
	require.NoError(t, ch.Seek(ctx, 56))
	require.Equal(t, data[56:60], readFull(t, ch, 4))

	// No dedicated footer request: the second read opened a plain stream.
	require.Equal(t, []string{"bytes=0-", "bytes=56-"}, store.RangeHeaders())
}

func TestEmptyBufferRead(t *testing.T) {
	store := storagetest.NewStore()
	ch, err := NewReadChannel(context.Background(), testStorage(store), testHandle,
		WithFailOnNotFound(false))
	require.NoError(t, err)
	defer ch.Close()

	n, err := ch.Read(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, store.Requests())
}

func TestReadAtEOF(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(10))
	ch := newTestChannel(t, store)

	require.NoError(t, ch.Seek(context.Background(), 10))
	_, err := ch.Read(context.Background(), make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, store.RangeHeaders())
}

func TestSeekPastSizeFailsOnRead(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(10))
	ch := newTestChannel(t, store)

	// Seeking beyond end-of-object is accepted; the next read reports EOF.
	require.NoError(t, ch.Seek(context.Background(), 1000))
	require.Equal(t, int64(1000), ch.Position())
	_, err := ch.Read(context.Background(), make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestSeekPurity(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(100))
	ch := newTestChannel(t, store)

	require.NoError(t, ch.Seek(context.Background(), 42))
	require.Equal(t, int64(42), ch.Position())
	require.Empty(t, store.RangeHeaders())
}

func TestPositionMonotonicity(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(1000))
	ch := newTestChannel(t, store)

	var advanced int64
	buf := make([]byte, 64)
	for {
		n, err := ch.Read(context.Background(), buf)
		advanced += int64(n)
		require.Equal(t, advanced, ch.Position())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, int64(1000), advanced)
}

func TestInplaceSeekDrainsStream(t *testing.T) {
	data := storagetest.SequentialData(200)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	stats := &ChannelStats{}
	ch := newTestChannel(t, store, WithInplaceSeekLimit(64), WithStats(stats))

	ctx := context.Background()
	require.Equal(t, data[:10], readFull(t, ch, 10))
	require.NoError(t, ch.Seek(ctx, 40))
	require.Equal(t, data[40:50], readFull(t, ch, 10))

	// The forward seek drained 30 bytes instead of reopening.
	require.Equal(t, []string{"bytes=0-"}, store.RangeHeaders())
	snap := stats.Snapshot()
	require.Equal(t, int64(30), snap.InplaceSeekBytes)
	require.Equal(t, int64(1), snap.StreamsOpened)
	require.Equal(t, int64(1), snap.Seeks)
}

func TestForwardSeekBeyondLimitReopens(t *testing.T) {
	data := storagetest.SequentialData(200)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store, WithInplaceSeekLimit(16))

	ctx := context.Background()
	readFull(t, ch, 10)
	require.NoError(t, ch.Seek(ctx, 100))
	require.Equal(t, data[100:110], readFull(t, ch, 10))

	// Sequential stays sequential: the reopen is still unbounded.
	require.False(t, ch.RandomAccess())
	require.Equal(t, []string{"bytes=0-", "bytes=100-"}, store.RangeHeaders())
}

func TestBackwardSeekReopens(t *testing.T) {
	data := storagetest.SequentialData(100)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store)

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 50))
	readFull(t, ch, 10)
	require.NoError(t, ch.Seek(ctx, 0))
	require.Equal(t, data[:10], readFull(t, ch, 10))
	require.Equal(t, []string{"bytes=50-", "bytes=0-"}, store.RangeHeaders())
}

func TestNegativeSeekRejected(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", []byte("abc"))
	ch := newTestChannel(t, store)

	err := ch.Seek(context.Background(), -1)
	require.ErrorIs(t, err, gcs.ErrInvalidArgument)
}

func TestCloseIdempotent(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(100))
	ch := newTestChannel(t, store)
	readFull(t, ch, 10)

	require.NoError(t, ch.Close())
	before := len(store.Requests())
	require.NoError(t, ch.Close())
	require.Equal(t, before, len(store.Requests()))

	_, err := ch.Read(context.Background(), make([]byte, 1))
	require.ErrorIs(t, err, gcs.ErrChannelClosed)
	require.ErrorIs(t, ch.Seek(context.Background(), 0), gcs.ErrChannelClosed)
	_, err = ch.Size(context.Background())
	require.ErrorIs(t, err, gcs.ErrChannelClosed)
}

func TestGzipRejectedByDefault(t *testing.T) {
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{
		Data:            []byte("decoded"),
		ContentEncoding: "gzip",
		StoredSize:      5,
	})

	_, err := NewReadChannel(context.Background(), testStorage(store), testHandle)
	require.ErrorIs(t, err, gcs.ErrGzipUnsupported)
}

func TestGzipSequentialRead(t *testing.T) {
	decoded := []byte("the decoded content of a gzip object")
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{
		Data:            decoded,
		ContentEncoding: "gzip",
		StoredSize:      17,
	})
	ch := newTestChannel(t, store, WithSupportGzip(true))
	ctx := context.Background()

	// The decoded size is unknown until the stream is drained.
	size, err := ch.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, gcs.SizeUnknown, size)

	got := readFull(t, ch, len(decoded))
	require.Equal(t, decoded, got)

	size, err = ch.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, gcs.SizeUnknown, size)

	_, err = ch.Read(ctx, make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	size, err = ch.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(decoded)), size)
}

func TestGzipSeekRestrictions(t *testing.T) {
	decoded := []byte("sequential only")
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{
		Data:            decoded,
		ContentEncoding: "gzip",
		StoredSize:      9,
	})
	ch := newTestChannel(t, store, WithSupportGzip(true))
	ctx := context.Background()

	readFull(t, ch, 5)
	require.ErrorIs(t, ch.Seek(ctx, 7), gcs.ErrInvalidArgument)
	require.NoError(t, ch.Seek(ctx, 5)) // current position is allowed

	// Rewinding to zero reopens the stream from the start.
	require.NoError(t, ch.Seek(ctx, 0))
	require.Equal(t, decoded[:5], readFull(t, ch, 5))
}

func TestGenerationMismatchEager(t *testing.T) {
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{Data: []byte("x"), Generation: 342})

	handle := gcs.ObjectHandle{Bucket: "data", Name: "obj", Generation: 5}
	_, err := NewReadChannel(context.Background(), testStorage(store), handle)
	require.ErrorIs(t, err, gcs.ErrGenerationMismatch)
}

func TestGenerationMismatchLazy(t *testing.T) {
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{Data: []byte("x"), Generation: 342})

	handle := gcs.ObjectHandle{Bucket: "data", Name: "obj", Generation: 5}
	ch, err := NewReadChannel(context.Background(), testStorage(store), handle,
		WithFailOnNotFound(false))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Size(context.Background())
	require.ErrorIs(t, err, gcs.ErrGenerationMismatch)

	var mismatch *gcs.GenerationMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, int64(342), mismatch.Resolved)
}

func TestGenerationPinnedRead(t *testing.T) {
	store := storagetest.NewStore()
	store.Put("data", "obj", &storagetest.Object{Data: storagetest.SequentialData(10), Generation: 7})

	handle := gcs.ObjectHandle{Bucket: "data", Name: "obj", Generation: 7}
	ch, err := NewReadChannel(context.Background(), testStorage(store), handle)
	require.NoError(t, err)
	defer ch.Close()

	buf := make([]byte, 10)
	n, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	for _, r := range store.Requests() {
		if r.Media {
			require.Equal(t, "7", r.Query.Get("generation"))
		}
	}
}

func TestLazyNotFoundThenSuccess(t *testing.T) {
	store := storagetest.NewStore()
	ch, err := NewReadChannel(context.Background(), testStorage(store), testHandle,
		WithFailOnNotFound(false))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Size(context.Background())
	require.ErrorIs(t, err, gcs.ErrObjectNotFound)

	// The object appears (it was still being written); the next size call
	// succeeds because nothing terminal was latched.
	store.PutBytes("data", "obj", storagetest.SequentialData(10))
	size, err := ch.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), size)
}

func TestTransientMetadataRetries(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(10))
	store.EnqueueMetadataStatus(503, 503)
	stats := &ChannelStats{}

	ch := newTestChannel(t, store, WithStats(stats))
	size, err := ch.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), size)
	require.Equal(t, int64(2), stats.Snapshot().Retries)
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(10))
	for i := 0; i < 64; i++ {
		store.EnqueueMetadataStatus(503)
	}

	clock := storagetest.NewFakeClock()
	ch, err := NewReadChannel(context.Background(), testStorage(store), testHandle,
		WithFailOnNotFound(false),
		withInstantRetries(clock),
		WithBackoffConfig(backoff.Config{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      1,
			MaxElapsedTime:  time.Second,
		}),
	)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Size(context.Background())
	require.True(t, gcs.IsTransient(err))
}

func TestMidStreamTruncationRetried(t *testing.T) {
	data := storagetest.SequentialData(64)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	store.FailBodyAfter(20)
	stats := &ChannelStats{}
	ch := newTestChannel(t, store, WithStats(stats))

	got := readFull(t, ch, len(data))
	require.Equal(t, data, got)

	// The stream was cut after 20 bytes and reopened at the position the
	// caller had reached; nothing was redelivered.
	require.Equal(t, []string{"bytes=0-", "bytes=20-"}, store.RangeHeaders())
	require.Equal(t, int64(1), stats.Snapshot().Retries)
}

func TestTransientOpenRetried(t *testing.T) {
	data := storagetest.SequentialData(32)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	store.EnqueueMediaStatus(503)
	ch := newTestChannel(t, store)

	got := readFull(t, ch, len(data))
	require.Equal(t, data, got)

	// The failed open and its retry both targeted the same range.
	require.Equal(t, []string{"bytes=0-", "bytes=0-"}, store.RangeHeaders())
}

func TestRandomModeBoundsRequests(t *testing.T) {
	data := storagetest.SequentialData(1 << 20)
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", data)
	ch := newTestChannel(t, store, WithFadvise(FadviseRandom), WithMinRangeRequestSize(4096))

	ctx := context.Background()
	require.NoError(t, ch.Seek(ctx, 8192))
	got := readFull(t, ch, 100)
	require.Equal(t, data[8192:8292], got)

	// The bounded request covers max(minRange, len(buf)) bytes.
	require.Equal(t, []string{"bytes=8192-12287"}, store.RangeHeaders())
}

func TestSizeLazyResolution(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", storagetest.SequentialData(123))
	ch, err := NewReadChannel(context.Background(), testStorage(store), testHandle,
		WithFailOnNotFound(false))
	require.NoError(t, err)
	defer ch.Close()

	require.Empty(t, store.Requests())
	size, err := ch.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(123), size)
	require.Len(t, store.Requests(), 1)
}

func TestEagerResolutionFailsOpenOnMissingObject(t *testing.T) {
	store := storagetest.NewStore()
	_, err := NewReadChannel(context.Background(), testStorage(store), testHandle)
	require.ErrorIs(t, err, gcs.ErrObjectNotFound)
}

func TestInvalidOptionsRejected(t *testing.T) {
	store := storagetest.NewStore()
	store.PutBytes("data", "obj", []byte("x"))

	for name, opt := range map[string]Option{
		"negative inplace seek limit": WithInplaceSeekLimit(-1),
		"negative min range size":     WithMinRangeRequestSize(-1),
		"negative footer prefetch":    WithFooterPrefetchSize(-1),
		"unknown fadvise":             WithFadvise(FadviseMode(99)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewReadChannel(context.Background(), testStorage(store), testHandle, opt)
			require.ErrorIs(t, err, gcs.ErrInvalidArgument)
		})
	}
}
