package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/escore"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.CommandHandled("OpenAccount", 3*time.Millisecond, nil)
	m.CommandHandled("OpenAccount", time.Millisecond, &escore.ValidationError{Err: errors.New("no owner")})
	m.CommandHandled("DepositFunds", time.Millisecond, &escore.ConflictError{Expected: escore.NoStream{}})
	m.EventsAppended("account", 2)
	m.EventsAppended("account", 1)
	m.ConflictDetected("account")
	m.DeliveryDropped("balances")
	m.ProjectionApplied("balances", 4)
	m.ProjectionGapFilled("balances", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsHandled.WithLabelValues("OpenAccount", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsHandled.WithLabelValues("OpenAccount", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsHandled.WithLabelValues("DepositFunds", "conflict")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveriesDropped.WithLabelValues("balances")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.projectionApplied.WithLabelValues("balances")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.projectionGaps.WithLabelValues("balances")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}

func TestNewMetrics_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "not_found", outcome(&escore.NotFoundError{}))
	assert.Equal(t, "unavailable", outcome(escore.Unavailable("read", errors.New("connection reset"))))
	assert.Equal(t, "error", outcome(errors.New("other")))
}
