package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the update engine does. A nil *Metrics records nothing.
type Metrics struct {
	checksTotal      *prometheus.CounterVec
	stagedTotal      prometheus.Counter
	fileFailures     prometheus.Counter
	installsTotal    *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	state            *prometheus.GaugeVec
	availableVersion *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		checksTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "weighstation_ota_checks_total",
			Help: "Total number of update checks labelled by result",
		},
			[]string{"result"},
		),
		stagedTotal: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "weighstation_ota_staged_releases_total",
			Help: "Total number of releases marked complete in the staging area",
		}),
		fileFailures: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "weighstation_ota_file_failures_total",
			Help: "Total number of release files that could not be downloaded",
		}),
		installsTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "weighstation_ota_installs_total",
			Help: "Total number of install attempts labelled by outcome",
		},
			[]string{"outcome"},
		),
		fetchDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weighstation_ota_fetch_duration_seconds",
			Help:    "Duration of requests made to the update server",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
			[]string{"status"},
		),
		state: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "weighstation_ota_state",
			Help: "Current state of the update engine, 1 for the active state",
		},
			[]string{"state"},
		),
		availableVersion: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "weighstation_ota_available_version_info",
			Help: "Latest version published by the update server",
		},
			[]string{"version"},
		),
	}
}

func (m *Metrics) RecordCheck(result string) {
	if m == nil {
		return
	}
	m.checksTotal.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) RecordStaged(failedFiles int) {
	if m == nil {
		return
	}
	m.stagedTotal.Inc()
	m.fileFailures.Add(float64(failedFiles))
}

func (m *Metrics) RecordFileFailures(n int) {
	if m == nil {
		return
	}
	m.fileFailures.Add(float64(n))
}

func (m *Metrics) RecordInstall(outcome string) {
	if m == nil {
		return
	}
	m.installsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SetState marks state as the current one among all states
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.With(prometheus.Labels{"state": s}).Set(value)
	}
}

func (m *Metrics) SetAvailableVersion(v string) {
	if m == nil {
		return
	}
	m.availableVersion.Reset()
	m.availableVersion.With(prometheus.Labels{"version": v}).Set(1)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// RoundTripper times every request sent through next
func (m *Metrics) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		res, err := next.RoundTrip(req)
		duration := time.Since(start)

		// Not all labels will be available if there was an error.
		status := "0"
		if res != nil {
			status = strconv.Itoa(res.StatusCode)
		}

		m.fetchDuration.With(prometheus.Labels{"status": status}).Observe(duration.Seconds())

		return res, err
	})
}
