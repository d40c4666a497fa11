// Package metrics exports buffer, metadata pool and scrubber state to
// Prometheus. Values are snapshotted on every scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/metadata"
	"github.com/lanikai/framering/internal/scrub"
)

const namespace = "framering"

// Source is what the collector reads from. The pipeline implements it.
type Source interface {
	Buffers() []*buffer.Buffer
	Pools() []*metadata.Pool
	Scrubber() *scrub.Scrubber
}

var bufferLabels = []string{"buffer", "type"}

var (
	fullFramesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "buffer", "full_frames"),
		"Number of frames currently full.",
		bufferLabels, nil)
	framesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "buffer", "frames"),
		"Number of frames in the buffer.",
		bufferLabels, nil)
	producersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "buffer", "producers"),
		"Number of registered producers.",
		bufferLabels, nil)
	consumersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "buffer", "consumers"),
		"Number of registered consumers.",
		bufferLabels, nil)
	lastArrivalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "buffer", "last_arrival_seconds"),
		"Unix time at which a frame last became full, 0 if none has.",
		bufferLabels, nil)
	poolInUseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "metadata_pool", "in_use"),
		"Number of metadata containers checked out of the pool.",
		[]string{"pool"}, nil)
	poolSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "metadata_pool", "size"),
		"Total number of metadata containers in the pool.",
		[]string{"pool"}, nil)
	scrubPendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scrub", "pending"),
		"Frames queued for or being zeroed.",
		nil, nil)
)

type Collector struct {
	src Source
}

func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- fullFramesDesc
	ch <- framesDesc
	ch <- producersDesc
	ch <- consumersDesc
	ch <- lastArrivalDesc
	ch <- poolInUseDesc
	ch <- poolSizeDesc
	ch <- scrubPendingDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.src.Buffers() {
		st := b.Stats()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, st.Name, st.Type)
		}
		gauge(fullFramesDesc, float64(st.FullFrames))
		gauge(framesDesc, float64(st.NumFrames))
		gauge(producersDesc, float64(st.Producers))
		gauge(consumersDesc, float64(st.Consumers))

		var arrival float64
		if !st.LastArrival.IsZero() {
			arrival = float64(st.LastArrival.UnixNano()) / 1e9
		}
		gauge(lastArrivalDesc, arrival)
	}

	for _, p := range c.src.Pools() {
		ch <- prometheus.MustNewConstMetric(poolInUseDesc, prometheus.GaugeValue, float64(p.InUse()), p.Name())
		ch <- prometheus.MustNewConstMetric(poolSizeDesc, prometheus.GaugeValue, float64(p.Size()), p.Name())
	}

	if s := c.src.Scrubber(); s != nil {
		ch <- prometheus.MustNewConstMetric(scrubPendingDesc, prometheus.GaugeValue, float64(s.Pending()))
	}
}
