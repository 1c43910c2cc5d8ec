// Package metrics renders read-channel statistics as Prometheus metric
// families so a host process can embed them in its scrape endpoint. The
// core read path never imports this package; it only feeds the sink.
package metrics

import (
	"fmt"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/hail-is/gcs-connector/pkg/gcs/gcsio"
	"github.com/hail-is/gcs-connector/pkg/logging"
)

// SnapshotSource supplies the current statistics, keyed by an object label
// (typically the gs:// URL the channel reads).
type SnapshotSource func() map[string]gcsio.StatsSnapshot

// Handler serves channel statistics in the Prometheus text exposition
// format.
type Handler struct {
	log    logging.Logger
	source SnapshotSource
}

// NewHandler returns a Handler over the given snapshot source.
func NewHandler(log logging.Logger, source SnapshotSource) *Handler {
	if log == nil {
		log = logging.NullLogger()
	}
	return &Handler{log: log, source: source}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	families := Families(h.source())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			h.log.Errorf("failed to encode metric family %s: %v", family.GetName(), err)
			return
		}
	}
	if len(families) == 0 {
		fmt.Fprintf(w, "# no channels observed\n")
	}
}

type counterColumn struct {
	name  string
	help  string
	value func(gcsio.StatsSnapshot) int64
}

var counters = []counterColumn{
	{"gcs_channel_bytes_read_total", "Bytes delivered to callers from object streams.",
		func(s gcsio.StatsSnapshot) int64 { return s.BytesRead }},
	{"gcs_channel_footer_bytes_total", "Bytes served from the cached footer.",
		func(s gcsio.StatsSnapshot) int64 { return s.FooterBytes }},
	{"gcs_channel_streams_opened_total", "Upstream streams opened.",
		func(s gcsio.StatsSnapshot) int64 { return s.StreamsOpened }},
	{"gcs_channel_inplace_seek_bytes_total", "Bytes drained to satisfy forward seeks in place.",
		func(s gcsio.StatsSnapshot) int64 { return s.InplaceSeekBytes }},
	{"gcs_channel_seeks_total", "Explicit seeks.",
		func(s gcsio.StatsSnapshot) int64 { return s.Seeks }},
	{"gcs_channel_retries_total", "Retries of transient storage failures.",
		func(s gcsio.StatsSnapshot) int64 { return s.Retries }},
}

// Families converts labelled snapshots into Prometheus counter families,
// ordered deterministically.
func Families(snaps map[string]gcsio.StatsSnapshot) []*dto.MetricFamily {
	labels := make([]string, 0, len(snaps))
	for label := range snaps {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	families := make([]*dto.MetricFamily, 0, len(counters))
	for _, col := range counters {
		family := &dto.MetricFamily{
			Name: proto.String(col.name),
			Help: proto.String(col.help),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for _, label := range labels {
			family.Metric = append(family.Metric, &dto.Metric{
				Label: []*dto.LabelPair{{
					Name:  proto.String("object"),
					Value: proto.String(label),
				}},
				Counter: &dto.Counter{
					Value: proto.Float64(float64(col.value(snaps[label]))),
				},
			})
		}
		families = append(families, family)
	}
	return families
}
