package udpc

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/reliudp/udpc/pkg/udpc/metrics"
)

func TestReportMetricsSnapshotsConnections(t *testing.T) {
	clk := clockwork.NewFakeClock()
	server := newTestContext(t, RoleServer, false, clk)
	client := newTestContext(t, RoleClient, false, clk)

	serverPeer := peerIdOf(server)
	client.ClientInitiateConnection(serverPeer, false)
	waitEstablished(t, client, server)

	m := metrics.New(prometheus.NewRegistry())
	client.ReportMetrics(m)

	label := serverPeer.String()
	require.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(label, "pending")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PacingMode.WithLabelValues(label)), "fresh connections start in good mode")
}

func TestReportMetricsNilCollectorsIsNoOp(t *testing.T) {
	ctx := newTestContext(t, RoleClient, false, clockwork.NewFakeClock())
	ctx.ReportMetrics(nil)
}
