package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weighstation/weighstation/device/internal/updatemanager/metrics"
)

type testRoundTripper struct {
	response *http.Response
	err      error
}

func (t *testRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.response, t.err
}

func TestMetrics_RoundTripper(t *testing.T) {
	testResponse := http.Response{
		StatusCode: http.StatusOK,
		Body:       http.NoBody,
	}

	tests := map[string]struct {
		roundTripper http.RoundTripper
		expectErr    bool
	}{
		"ok": {
			roundTripper: &testRoundTripper{response: &testResponse},
		},
		"transport error": {
			roundTripper: &testRoundTripper{err: errors.New("connection refused")},
			expectErr:    true,
		},
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			rt := m.RoundTripper(test.roundTripper)
			res, err := rt.RoundTrip(&http.Request{Method: "GET", URL: &url.URL{Path: "/version.json"}})
			if res != nil && res.Body != nil {
				defer res.Body.Close()
			}
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	count, err := testutil.GatherAndCount(reg, "weighstation_ota_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series for status 200 and one for transport failures")
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordCheck("update_available")
	m.RecordCheck("update_available")
	m.RecordCheck("up_to_date")
	m.RecordStaged(2)
	m.RecordFileFailures(1)
	m.RecordInstall("installed")
	m.SetState("Downloading", []string{"Idle", "Downloading"})
	m.SetAvailableVersion("1.0.0")
	m.SetAvailableVersion("1.1.0")

	count, err := testutil.GatherAndCount(reg, "weighstation_ota_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, float64(3), counterValue(t, reg, "weighstation_ota_file_failures_total"))
	assert.Equal(t, float64(1), counterValue(t, reg, "weighstation_ota_staged_releases_total"))

	count, err = testutil.GatherAndCount(reg, "weighstation_ota_state")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "weighstation_ota_available_version_info")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the latest version is reported")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.RecordCheck("up_to_date")
	m.RecordStaged(1)
	m.RecordInstall("installed")
	m.SetState("Idle", []string{"Idle"})
	m.SetAvailableVersion("1.0.0")

	next := &testRoundTripper{}
	assert.Equal(t, http.RoundTripper(next), m.RoundTripper(next))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestServer_ServesRegistry(t *testing.T) {
	srv := metrics.NewServer("127.0.0.1:0", "")
	m := metrics.New(srv.Registry)
	m.RecordInstall("installed")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `weighstation_ota_installs_total{outcome="installed"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
