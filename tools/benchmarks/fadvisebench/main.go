// fadvisebench compares sequential and random fadvise strategies over the
// same object: a full scan through a SEQUENTIAL channel versus a batch of
// random probes through a RANDOM channel, reporting throughput and request
// counts for each.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/gcsio"
	"github.com/hail-is/gcs-connector/pkg/gcs/transport"
)

var (
	endpoint  string
	probes    int
	probeSize string
	minRange  string
)

var rootCmd = &cobra.Command{
	Use:   "fadvisebench gs://bucket/object",
	Short: "Benchmark sequential vs random read strategies",
	Long: `fadvisebench reads the same object twice: once as a full sequential scan
and once as a series of random probes, then reports throughput and the
number of upstream requests each strategy issued.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runBenchmark,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "endpoint", transport.DefaultEndpoint, "Storage endpoint")
	rootCmd.Flags().IntVar(&probes, "probes", 64, "Number of random probes")
	rootCmd.Flags().StringVar(&probeSize, "probe-size", "64KiB", "Bytes read per probe")
	rootCmd.Flags().StringVar(&minRange, "min-range-request-size", "2MiB", "Bounded range request floor")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	handle, err := parseObjectURL(args[0])
	if err != nil {
		return err
	}
	probeBytes, err := units.RAMInBytes(probeSize)
	if err != nil {
		return fmt.Errorf("invalid --probe-size: %w", err)
	}
	minRangeBytes, err := units.RAMInBytes(minRange)
	if err != nil {
		return fmt.Errorf("invalid --min-range-request-size: %w", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	storage := transport.NewHTTPStorage(
		transport.WithEndpoint(endpoint),
		transport.WithUserAgent("fadvisebench"),
	)
	ctx := context.Background()

	fmt.Printf("Benchmarking %s\n\n", handle)

	seqBytes, seqStats, seqDur, err := sequentialScan(ctx, storage, handle, log)
	if err != nil {
		return fmt.Errorf("sequential scan: %w", err)
	}
	report("sequential scan", seqBytes, seqStats, seqDur)

	rndBytes, rndStats, rndDur, err := randomProbes(ctx, storage, handle, log, probeBytes, minRangeBytes)
	if err != nil {
		return fmt.Errorf("random probes: %w", err)
	}
	report(fmt.Sprintf("%d random probes", probes), rndBytes, rndStats, rndDur)
	return nil
}

func sequentialScan(ctx context.Context, storage transport.Storage, handle gcs.ObjectHandle, log *logrus.Logger) (int64, *gcsio.ChannelStats, time.Duration, error) {
	stats := &gcsio.ChannelStats{}
	ch, err := gcsio.NewReadChannel(ctx, storage, handle,
		gcsio.WithLogger(log),
		gcsio.WithStats(stats),
	)
	if err != nil {
		return 0, nil, 0, err
	}
	defer ch.Close()

	start := time.Now()
	buf := make([]byte, 1*units.MiB)
	var total int64
	for {
		n, err := ch.Read(ctx, buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, 0, err
		}
	}
	return total, stats, time.Since(start), nil
}

func randomProbes(ctx context.Context, storage transport.Storage, handle gcs.ObjectHandle, log *logrus.Logger, probeBytes, minRangeBytes int64) (int64, *gcsio.ChannelStats, time.Duration, error) {
	stats := &gcsio.ChannelStats{}
	ch, err := gcsio.NewReadChannel(ctx, storage, handle,
		gcsio.WithLogger(log),
		gcsio.WithStats(stats),
		gcsio.WithFadvise(gcsio.FadviseRandom),
		gcsio.WithMinRangeRequestSize(minRangeBytes),
	)
	if err != nil {
		return 0, nil, 0, err
	}
	defer ch.Close()

	size, err := ch.Size(ctx)
	if err != nil {
		return 0, nil, 0, err
	}
	if size <= probeBytes {
		return 0, nil, 0, fmt.Errorf("object is too small for %s probes", probeSize)
	}

	start := time.Now()
	buf := make([]byte, probeBytes)
	var total int64
	for i := 0; i < probes; i++ {
		offset := rand.Int63n(size - probeBytes)
		if err := ch.Seek(ctx, offset); err != nil {
			return 0, nil, 0, err
		}
		read := 0
		for read < len(buf) {
			n, err := ch.Read(ctx, buf[read:])
			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, nil, 0, err
			}
			read += n
		}
		total += int64(read)
	}
	return total, stats, time.Since(start), nil
}

func report(name string, bytes int64, stats *gcsio.ChannelStats, d time.Duration) {
	snap := stats.Snapshot()
	fmt.Printf("%s:\n", name)
	fmt.Printf("  %s in %v (%.2f MB/s)\n",
		units.BytesSize(float64(bytes)), d.Round(time.Millisecond),
		float64(bytes)/d.Seconds()/(1024*1024))
	fmt.Printf("  streams opened: %d, footer bytes: %d, in-place skipped: %s\n\n",
		snap.StreamsOpened, snap.FooterBytes, units.BytesSize(float64(snap.InplaceSeekBytes)))
}

func parseObjectURL(s string) (gcs.ObjectHandle, error) {
	const scheme = "gs://"
	if !strings.HasPrefix(s, scheme) {
		return gcs.ObjectHandle{}, fmt.Errorf("%q is not a gs:// URL", s)
	}
	rest := strings.TrimPrefix(s, scheme)

	generation := gcs.UnpinnedGeneration
	if idx := strings.LastIndexByte(rest, '#'); idx >= 0 {
		gen, err := strconv.ParseInt(rest[idx+1:], 10, 64)
		if err != nil || gen <= 0 {
			return gcs.ObjectHandle{}, fmt.Errorf("%q has a malformed generation suffix", s)
		}
		generation = gen
		rest = rest[:idx]
	}

	bucket, name, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || name == "" {
		return gcs.ObjectHandle{}, fmt.Errorf("%q must name a bucket and an object", s)
	}
	return gcs.ObjectHandle{Bucket: bucket, Name: name, Generation: generation}, nil
}
