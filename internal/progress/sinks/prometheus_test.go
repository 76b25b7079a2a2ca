package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/seedspider/seedspider/internal/progress"
)

func evt(kind progress.Kind) progress.Event {
	return progress.Event{
		RunID:      "run-1",
		TS:         time.Now().UTC(),
		Kind:       kind,
		ActionType: "detail",
		Key:        "k1",
		Attempt:    1,
		Dur:        50 * time.Millisecond,
	}
}

func TestPrometheusSinkRecordsItemOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{RunID: "run-1", TS: time.Now().UTC(), Kind: progress.KindRunStart},
		evt(progress.KindItemAdmitted),
		evt(progress.KindItemStarted),
		evt(progress.KindItemDone),
		evt(progress.KindItemRetry),
		evt(progress.KindItemFailed),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.runsActive))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.itemsAdmitted.WithLabelValues("detail")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("detail", "done")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("detail", "retry")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.itemsCompleted.WithLabelValues("detail", "failed")))
}

func TestPrometheusSinkRunGaugeDeduplicates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := progress.Event{RunID: "run-2", TS: time.Now().UTC(), Kind: progress.KindRunStart}
	done := progress.Event{RunID: "run-2", TS: time.Now().UTC(), Kind: progress.KindRunDone}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start, done, done}))

	require.Equal(t, float64(0), testutil.ToFloat64(sink.runsActive))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.runsStarted))
}

func TestPrometheusSinkDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
