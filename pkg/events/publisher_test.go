package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisherWithoutBrokersIsNoop(t *testing.T) {
	p := NewPublisher(nil, "signals.events", nil)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Publish(context.Background(), "signal.created", "s1", map[string]string{"id": "s1"}))
	assert.NoError(t, p.Close())
}

func TestPublisherWritesKeyedEnvelope(t *testing.T) {
	w := &recordingWriter{}
	p := &Publisher{w: w, topic: "signals.events", log: zap.NewNop()}

	require.NoError(t, p.Publish(context.Background(), "signal.updated", "s1", map[string]string{"symbol": "BTCUSDT"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("s1"), w.msgs[0].Key)
	assert.Equal(t, "event-type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "signal.updated", decoded.Type)
	assert.Equal(t, "s1", decoded.Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisherPropagatesWriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := &Publisher{w: w, topic: "signals.events", log: zap.NewNop()}

	assert.Error(t, p.Publish(context.Background(), "signal.deleted", "s1", nil))
}
