package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessageWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_Publish(t *testing.T) {
	t.Parallel()
	w := &fakeMessageWriter{}
	p := newKafkaPublisher(w, "escverify.reports", testLogger())

	run := sampleRun()
	require.NoError(t, p.Publish(context.Background(), run))
	require.Len(t, w.msgs, 3)

	summary := w.msgs[0]
	assert.Equal(t, run.RunID.String(), string(summary.Key))
	assert.Equal(t, "summary", header(summary, "kind"))
	var s runSummary
	require.NoError(t, json.Unmarshal(summary.Value, &s))
	assert.Equal(t, "MISMATCH", s.Result)
	assert.Equal(t, 1, s.Errors)

	snap := w.msgs[2]
	assert.Equal(t, "0002-00000003-1F2A", string(snap.Key))
	assert.Equal(t, "snapshot", header(snap, "kind"))
	var fields map[string]any
	require.NoError(t, json.Unmarshal(snap.Value, &fields))
	assert.Equal(t, run.RunID.String(), fields["run_id"])
	assert.Equal(t, "0002-00000003-1F2A", fields["address"])
	assert.Equal(t, false, fields["is_match"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	t.Parallel()
	w := &fakeMessageWriter{err: errors.New("broker unavailable")}
	p := newKafkaPublisher(w, "escverify.reports", testLogger())

	err := p.Publish(context.Background(), sampleRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestNewKafkaPublisher_RequiresBrokersAndTopic(t *testing.T) {
	t.Parallel()
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "reports"}, testLogger())
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, testLogger())
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "reports", RequiredAcks: "all"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, *reconciliation.RunResult) error {
	f.calls++
	return errors.New("sink down")
}

func TestMultiPublisher(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	failing := &failingPublisher{}
	multi := MultiPublisher{failing, NewWriterPublisher(&buf, FormatText)}

	err := multi.Publish(context.Background(), sampleRun())
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, 1, failing.calls)
	assert.Contains(t, buf.String(), "Log Reconciliation Report", "later sinks still run")
}
