// Package telemetry holds the OpenTelemetry instruments for the round core.
//
// Instruments come from the global meter provider, so they are no-ops until
// the host process installs a real provider with otel.SetMeterProvider.
package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationScope = "github.com/mcdev12/statclash"

type counters struct {
	readyDispatched metric.Int64Counter
	readyRejected   metric.Int64Counter
	readyDuplicates metric.Int64Counter
	driftRestarts   metric.Int64Counter
	driftGiveUps    metric.Int64Counter
	resolveDropped  metric.Int64Counter
}

var (
	initOnce sync.Once
	instr    counters
)

// Meter returns the statclash meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

func instruments() {
	initOnce.Do(func() {
		instr = newCounters(Meter())
	})
}

func newCounters(meter metric.Meter) counters {
	return counters{
		readyDispatched: counter(meter, "statclash.ready.dispatched",
			"Cooldown ready transitions accepted, by winning trigger", "{dispatch}"),
		readyRejected: counter(meter, "statclash.ready.rejected",
			"Ready dispatch attempts the state machine or bus refused", "{dispatch}"),
		readyDuplicates: counter(meter, "statclash.ready.duplicates",
			"Ready dispatch attempts dropped because the cycle already fired", "{dispatch}"),
		driftRestarts: counter(meter, "statclash.drift.restarts",
			"Countdown restarts caused by wall-clock drift", "{restart}"),
		driftGiveUps: counter(meter, "statclash.drift.giveups",
			"Countdowns abandoned after exhausting the drift retry budget", "{giveup}"),
		resolveDropped: counter(meter, "statclash.resolve.dropped",
			"Re-entrant round resolutions ignored", "{call}"),
	}
}

// counter logs a creation failure and returns whatever the meter handed
// back; add skips nil counters.
func counter(meter metric.Meter, name, description, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		log.Error().Err(err).Str("instrument", name).Msg("failed to create instrument")
	}
	return c
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ReadyDispatched counts a winning ready dispatch.
func ReadyDispatched(ctx context.Context, trigger string) {
	instruments()
	add(ctx, instr.readyDispatched, attribute.String("trigger", trigger))
}

// ReadyRejected counts a refused ready dispatch.
func ReadyRejected(ctx context.Context, trigger string) {
	instruments()
	add(ctx, instr.readyRejected, attribute.String("trigger", trigger))
}

// ReadyDuplicate counts a ready dispatch that lost the race.
func ReadyDuplicate(ctx context.Context, trigger string) {
	instruments()
	add(ctx, instr.readyDuplicates, attribute.String("trigger", trigger))
}

// DriftRestarts counts a drift-triggered restart of the named timer.
func DriftRestarts(ctx context.Context, timer string) {
	instruments()
	add(ctx, instr.driftRestarts, attribute.String("timer", timer))
}

// DriftGiveUps counts a drift give-up of the named timer.
func DriftGiveUps(ctx context.Context, timer string) {
	instruments()
	add(ctx, instr.driftGiveUps, attribute.String("timer", timer))
}

// ResolveDropped counts an ignored re-entrant resolve.
func ResolveDropped(ctx context.Context) {
	instruments()
	add(ctx, instr.resolveDropped)
}
