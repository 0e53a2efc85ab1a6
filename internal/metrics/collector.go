// Package metrics exports card status as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tvcard/pkg/types"
)

const namespace = "tvcard"

var cardLabelNames = []string{"card", "kind"}

func newCardMetric(subsystem, name, help string, extraLabels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, append(cardLabelNames, extraLabels...), nil)
}

var (
	signalLocked  = newCardMetric("signal", "locked", "Tuner lock status of the last sample.")
	signalLevel   = newCardMetric("signal", "level_percent", "Signal level of the last sample.")
	signalQuality = newCardMetric("signal", "quality_percent", "Signal quality of the last sample.")
	signalAge     = newCardMetric("signal", "sample_timestamp_seconds", "Unix time of the last signal sample.")

	graphState     = newCardMetric("graph", "state", "Current graph state, 1 for the active state.", "state")
	pidsProgrammed = newCardMetric("pidfilter", "pids", "Entries programmed into the hardware PID filter.")
	captureAll     = newCardMetric("pidfilter", "capture_all", "Whether the wildcard PID entry is programmed.")

	tunesTotal        = newCardMetric("", "tunes_total", "Successful tunes.")
	tuneFailuresTotal = newCardMetric("", "tune_failures_total", "Tunes rejected by planning, pipeline build or hardware.")
	recording         = newCardMetric("", "recording", "Whether the card is writing a recording.")
)

var graphStates = []types.GraphState{types.GraphIdle, types.GraphCreated, types.GraphTimeShifting, types.GraphRecording}

// Source lists the cards to export.
type Source interface {
	Snapshots() []types.CardStatus
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []types.CardStatus

func (f SourceFunc) Snapshots() []types.CardStatus { return f() }

// Collector reads card snapshots on every scrape. It never touches a card
// loop or the hardware.
type Collector struct {
	source Source
}

func NewCollector(source Source) *Collector {
	return &Collector{source: source}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		signalLocked, signalLevel, signalQuality, signalAge,
		graphState, pidsProgrammed, captureAll,
		tunesTotal, tuneFailuresTotal, recording,
	} {
		ch <- d
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source.Snapshots() {
		labels := []string{string(st.ID), st.Kind}

		ch <- prometheus.MustNewConstMetric(signalLocked, prometheus.GaugeValue, boolValue(st.Signal.Locked), labels...)
		ch <- prometheus.MustNewConstMetric(signalLevel, prometheus.GaugeValue, float64(st.Signal.Level), labels...)
		ch <- prometheus.MustNewConstMetric(signalQuality, prometheus.GaugeValue, float64(st.Signal.Quality), labels...)
		if !st.Signal.SampledAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(signalAge, prometheus.GaugeValue, float64(st.Signal.SampledAt.UnixNano())/1e9, labels...)
		}

		for _, s := range graphStates {
			ch <- prometheus.MustNewConstMetric(graphState, prometheus.GaugeValue, boolValue(st.State == s.String()), append(labels, s.String())...)
		}

		pids := types.PidSet(st.PIDs)
		ch <- prometheus.MustNewConstMetric(pidsProgrammed, prometheus.GaugeValue, float64(len(pids)), labels...)
		ch <- prometheus.MustNewConstMetric(captureAll, prometheus.GaugeValue, boolValue(pids.CaptureAll()), labels...)

		ch <- prometheus.MustNewConstMetric(tunesTotal, prometheus.CounterValue, float64(st.TuneCount), labels...)
		ch <- prometheus.MustNewConstMetric(tuneFailuresTotal, prometheus.CounterValue, float64(st.TuneFailures), labels...)
		ch <- prometheus.MustNewConstMetric(recording, prometheus.GaugeValue, boolValue(st.Recording != ""), labels...)
	}
}
