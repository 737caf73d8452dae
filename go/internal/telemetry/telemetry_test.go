package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestCountersAreSafeWithoutProvider(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		ReadyDispatched(ctx, "timer")
		ReadyRejected(ctx, "bus")
		ReadyDuplicate(ctx, "skip")
		DriftRestarts(ctx, "cooldown")
		DriftGiveUps(ctx, "selection")
		ResolveDropped(ctx)
	})
	assert.NotNil(t, Meter())
}

type failingMeter struct {
	noop.Meter
}

func (failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("meter unavailable")
}

func TestNewCounters_LogsEachFailedInstrument(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	c := newCounters(failingMeter{})

	assert.Equal(t, 6, strings.Count(buf.String(), "failed to create instrument"))
	assert.Contains(t, buf.String(), `"instrument":"statclash.drift.giveups"`)
	assert.Nil(t, c.readyDispatched)
	assert.NotPanics(t, func() { add(context.Background(), c.readyDispatched) })
}
