package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)
	assert.Equal(t, 100*time.Millisecond, ds[0], "input is not reordered")

	assert.Equal(t, Percentiles{}, Summarize(nil))
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{"parley_connections_total 12", "parley_connections_total", "", 12, true},
		{`parley_messages_total{outcome="relayed"} 7`, "parley_messages_total", `outcome="relayed"`, 7, true},
		{"parley_relay_latency_seconds_sum 0.25 1700000000000", "parley_relay_latency_seconds_sum", "", 0.25, true},
		{`broken{outcome="x" 1`, "", "", 0, false},
		{"lonely", "", "", 0, false},
		{"nan_value abc", "", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, labels, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.labels, labels)
			assert.Equal(t, tt.value, value)
		})
	}
}

const exposition = `# HELP parley_connections_total Current number of open sockets.
# TYPE parley_connections_total gauge
parley_connections_total %d
parley_online_users 2
parley_messages_total{outcome="relayed"} %d
parley_messages_total{outcome="rejected"} 1
parley_messages_total{outcome="rate_limited"} 2
parley_relay_latency_seconds_sum %f
parley_relay_latency_seconds_count %d
`

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(strings.NewReader(fmt.Sprintf(exposition, 4, 10, 0.5, 10)), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap.connections)
	assert.Equal(t, 2.0, snap.onlineUsers)
	assert.Equal(t, 10.0, snap.relayed)
	assert.Equal(t, 3.0, snap.rejected)
	assert.Equal(t, 10.0, snap.latencyCount)
}

func TestScraperAndReport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		fmt.Fprintf(w, exposition, n*10, n*5, float64(n)*0.1, n*5)
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	c := NewCollector()
	c.SetScraper(s)
	c.AddConnect(5 * time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddRelay(2 * time.Millisecond)
	c.AddError()
	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  1")
	assert.Contains(t, out, "2 sent, 1 received (50.00% delivered)")
	assert.Contains(t, out, "--- Relay Latency ---")
	assert.Contains(t, out, "--- Server Metrics (Prometheus) ---")
	assert.Contains(t, out, "Relayed")
}

func TestScraperReportWithoutData(t *testing.T) {
	var buf bytes.Buffer
	NewScraper("http://127.0.0.1:0/metrics", time.Second).Report(&buf)
	assert.Contains(t, buf.String(), "no data collected")
}
