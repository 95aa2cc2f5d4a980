package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaybus/errors"
)

func testCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybus",
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	c := testCounter("ops_total")
	require.NoError(t, r.RegisterCounter("store", "ops_total", c))
	c.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(c))

	assert.True(t, r.Unregister("store", "ops_total"))
	assert.False(t, r.Unregister("store", "ops_total"))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewMetricsRegistry()

	require.NoError(t, r.RegisterCounter("store", "ops_total", testCounter("dup_total")))
	err := r.RegisterCounter("store", "ops_total", testCounter("dup2_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSameNameDifferentComponent(t *testing.T) {
	r := NewMetricsRegistry()

	require.NoError(t, r.RegisterCounter("store", "ops_total", testCounter("store_ops_total")))
	require.NoError(t, r.RegisterCounter("broker", "ops_total", testCounter("broker_ops_total")))
}

func TestCoreMetricsRecorders(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()
	require.NotNil(t, m)

	m.RecordSocketOpened()
	m.RecordSocketOpened()
	m.RecordSocketClosed("1000")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SocketsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SocketsActive))

	m.RecordMessageReceived("relay_publish")
	m.RecordMessagePublished()
	m.RecordMessageDelivered()
	m.RecordOutboundDropped()
	m.RecordMessagesRetained(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MessagesRetained))

	m.RecordSubscriptionAdded()
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionRemoved()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsActive))

	m.RecordNATSStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	m.RecordNATSStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))

	m.RecordNATSRTT(3 * time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NATSRTT))

	m.RecordPublishDuration(10 * time.Millisecond)
	m.RecordError("broker", "transient")
	m.RecordHealthStatus("store", true)
}

func TestPrometheusRegistryExposesCoreMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordSocketOpened()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]struct{}, len(families))
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	assert.Contains(t, names, "relaybus_sockets_active")
	assert.Contains(t, names, "relaybus_sockets_opened_total")
}
