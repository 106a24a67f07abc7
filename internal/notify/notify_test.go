package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func finishedSnapshot() types.JobSnapshot {
	job := types.NewJob("overworld", 0, 0, 1, types.ShapeSquare, testNow.Add(-42*time.Second))
	job.ObserveGenerated(9)
	job.MarkFinished()
	return job.Snapshot(testNow)
}

func TestFinishedEvent(t *testing.T) {
	snap := finishedSnapshot()
	e := Finished(snap, testNow)

	assert.Equal(t, EventJobFinished, e.Type)
	assert.Equal(t, "overworld", e.World)
	assert.Equal(t, snap.ID, e.JobID)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Paused)
	assert.Equal(t, "Pre-generation of overworld finished: 9 cells in 42s", e.Message())
}

func TestProgressEventMarksPause(t *testing.T) {
	job := types.NewJob("nether", 0, 0, 2, types.ShapeDisc, testNow.Add(-10*time.Second))
	job.ObserveGenerated(1)
	job.SetPaused(true, testNow)

	e := Progress(job.Snapshot(testNow), testNow)
	assert.Equal(t, EventJobProgress, e.Type)
	assert.True(t, e.Paused)
	assert.True(t, strings.HasPrefix(e.Message(), "Pre-generating nether: 7.7% (1/13)"))
	assert.True(t, strings.HasSuffix(e.Message(), "[paused]"))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, sink.Notify(context.Background(), Finished(finishedSnapshot(), testNow)))
	assert.Contains(t, buf.String(), "finished: 9 cells")
	assert.Contains(t, buf.String(), "world=overworld")
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	var got []EventType
	ok := NotifierFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	})
	boom := errors.New("boom")
	bad := NotifierFunc(func(context.Context, Event) error { return boom })

	m := NewMulti(ok, nil, bad, ok)
	assert.Equal(t, 3, m.Len())

	err := m.Notify(context.Background(), Finished(finishedSnapshot(), testNow))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []EventType{EventJobFinished, EventJobFinished}, got)
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublishesKeyedByWorld(t *testing.T) {
	w := &fakeKafkaWriter{}
	k := newKafka(w, "pregen.events", 0)

	e := Finished(finishedSnapshot(), testNow)
	require.NoError(t, k.Notify(context.Background(), e))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "overworld", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "job.finished", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, int64(9), decoded.Job.Generated)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaRejectsIncompleteEvent(t *testing.T) {
	w := &fakeKafkaWriter{}
	k := newKafka(w, "pregen.events", time.Second)

	err := k.Notify(context.Background(), Event{Type: EventJobProgress})
	assert.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestKafkaWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	k := newKafka(&fakeKafkaWriter{err: boom}, "pregen.events", time.Second)

	err := k.Notify(context.Background(), Finished(finishedSnapshot(), testNow))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pregen.events")
}

func TestNewKafkaValidation(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, "t", k.Topic())
	assert.NoError(t, k.Close())
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	e := Finished(finishedSnapshot(), testNow)
	require.NoError(t, hub.Notify(context.Background(), e))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "overworld", decoded.World)
}

func TestHubDropsDisconnectedSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
}
