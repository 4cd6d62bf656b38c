// Package metrics exposes pipeline statistics to Prometheus.
//
// The collector reads a pipeline.Stats snapshot on every scrape; nothing in
// the capture path touches Prometheus types.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/frame-acquisition/internal/pipeline"
)

const namespace = "acquisition"

// StatsFunc returns the current pipeline snapshot.
type StatsFunc func() pipeline.Stats

// Collector implements prometheus.Collector over a StatsFunc.
type Collector struct {
	stats StatsFunc

	up             *prometheus.Desc
	captured       *prometheus.Desc
	dropped        *prometheus.Desc
	timeouts       *prometheus.Desc
	unreachable    *prometheus.Desc
	adjustErrors   *prometheus.Desc
	queueLen       *prometheus.Desc
	queueHighWater *prometheus.Desc
	queueEvicted   *prometheus.Desc
	queueDelivered *prometheus.Desc
	consumed       *prometheus.Desc
	written        *prometheus.Desc
	writeErrors    *prometheus.Desc
	exposure       *prometheus.Desc
	exposureMin    *prometheus.Desc
	exposureMax    *prometheus.Desc
	uptime         *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds the descriptors. runID becomes a constant label.
func NewCollector(runID string, stats StatsFunc) *Collector {
	labels := prometheus.Labels{"run_id": runID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		stats:          stats,
		up:             desc("running", "1 while the pipeline is running."),
		captured:       desc("frames_captured_total", "Frames returned by the source."),
		dropped:        desc("frames_dropped_total", "Frames refused by a full reject_new queue."),
		timeouts:       desc("capture_timeouts_total", "Capture timeouts retried by the producer."),
		unreachable:    desc("exposure_unreachable_total", "Target brightness unreachable reports."),
		adjustErrors:   desc("exposure_adjust_errors_total", "Exposure writes that failed at runtime."),
		queueLen:       desc("queue_length", "Frames waiting in the queue."),
		queueHighWater: desc("queue_high_water", "Largest queue length observed."),
		queueEvicted:   desc("queue_evicted_total", "Frames evicted by drop_oldest."),
		queueDelivered: desc("queue_delivered_total", "Frames handed to workers."),
		consumed:       desc("worker_frames_consumed_total", "Frames consumed per worker.", "worker"),
		written:        desc("worker_frames_written_total", "Frames persisted per worker.", "worker"),
		writeErrors:    desc("worker_write_errors_total", "Failed writes per worker.", "worker"),
		exposure:       desc("exposure_current", "Exposure value in effect."),
		exposureMin:    desc("exposure_min", "Lower exposure bound reported by the device."),
		exposureMax:    desc("exposure_max", "Upper exposure bound reported by the device."),
		uptime:         desc("uptime_seconds", "Time since the pipeline started."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.captured, c.dropped, c.timeouts, c.unreachable, c.adjustErrors,
		c.queueLen, c.queueHighWater, c.queueEvicted, c.queueDelivered,
		c.consumed, c.written, c.writeErrors,
		c.exposure, c.exposureMin, c.exposureMax, c.uptime,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	running := 0.0
	if s.State == pipeline.Running {
		running = 1
	}
	gauge := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
	}
	counter := func(d *prometheus.Desc, v uint64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), lv...)
	}

	gauge(c.up, running)
	counter(c.captured, s.Captured)
	counter(c.dropped, s.Dropped)
	counter(c.timeouts, s.Timeouts)
	counter(c.unreachable, s.Unreachable)
	counter(c.adjustErrors, s.AdjustErrors)

	gauge(c.queueLen, float64(s.Queue.Len))
	gauge(c.queueHighWater, float64(s.Queue.HighWater))
	counter(c.queueEvicted, s.Queue.Evicted)
	counter(c.queueDelivered, s.Queue.Delivered)

	for _, w := range s.Workers {
		id := strconv.Itoa(w.ID)
		counter(c.consumed, w.Consumed, id)
		counter(c.written, w.Written, id)
		counter(c.writeErrors, w.WriteErrors, id)
	}

	if s.Exposure != nil {
		gauge(c.exposure, s.Exposure.Current)
		gauge(c.exposureMin, s.Exposure.Min)
		gauge(c.exposureMax, s.Exposure.Max)
	}
	gauge(c.uptime, s.Uptime.Seconds())
}
