package objfs

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/objfile/pkg/objerr"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	codecNone = "none"
)

type metrics struct {
	filesRead     *prometheus.CounterVec
	bytesRead     prometheus.Counter
	inputSize     prometheus.Histogram
	parses        *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cachedBytes   prometheus.Gauge
	cachedEntries prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		filesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objfile_loader_files_read_total",
			Help: "Total number of files read by compression codec and status",
		}, []string{"codec", "status"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objfile_loader_read_bytes_total",
			Help: "Total number of bytes handed to the parsers after decompression",
		}),
		inputSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "objfile_loader_input_size_bytes",
			Help: "Size of inputs after decompression",
			// 1KB to 4GB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		parses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objfile_loader_parses_total",
			Help: "Total number of parsed inputs by detected format and error kind",
		}, []string{"format", "error_kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objfile_loader_cache_lookups_total",
			Help: "Total number of file cache lookups by result",
		}, []string{"result"}),
		cachedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "objfile_loader_cache_size_bytes",
			Help: "Bytes held by the file cache",
		}),
		cachedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "objfile_loader_cache_entries",
			Help: "Number of files held by the file cache",
		}),
	}
	if reg != nil {
		m.filesRead = registerOrGet(reg, m.filesRead)
		m.bytesRead = registerOrGet(reg, m.bytesRead)
		m.inputSize = registerOrGet(reg, m.inputSize)
		m.parses = registerOrGet(reg, m.parses)
		m.cacheLookups = registerOrGet(reg, m.cacheLookups)
		m.cachedBytes = registerOrGet(reg, m.cachedBytes)
		m.cachedEntries = registerOrGet(reg, m.cachedEntries)
	}
	return m
}

// registerOrGet registers c, or returns the collector already registered
// under the same descriptor.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector.(T)
	}
	panic(err)
}

func (m *metrics) observeRead(codec string, size int, err error) {
	if codec == "" {
		codec = codecNone
	}
	if err != nil {
		m.filesRead.WithLabelValues(codec, statusError).Inc()
		return
	}
	m.filesRead.WithLabelValues(codec, statusSuccess).Inc()
	m.bytesRead.Add(float64(size))
	m.inputSize.Observe(float64(size))
}

func (m *metrics) observeParse(format string, err error) {
	kind := "none"
	if err != nil {
		kind = "other"
		if k := objerr.KindOf(err); k != 0 {
			kind = k.String()
		}
	}
	m.parses.WithLabelValues(format, kind).Inc()
}
