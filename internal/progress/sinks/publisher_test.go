package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedspider/seedspider/internal/progress"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, payload)
	return "msg-1", nil
}

func TestPublisherSinkForwardsOnlyTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, "item-events", nil)

	batch := []progress.Event{
		evt(progress.KindItemStarted),
		evt(progress.KindItemDone),
		evt(progress.KindItemRetry),
		evt(progress.KindItemFailed),
		{RunID: "run-1", TS: time.Now().UTC(), Kind: progress.KindRunDone},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, pub.messages, 2)
}

func TestPublisherSinkSwallowsPublishErrors(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: errors.New("topic gone")}
	sink := NewPublisherSink(pub, "item-events", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt(progress.KindItemDone)}))
}
