// ABOUTME: Tests for the push channel frame handling
// ABOUTME: Covers acknowledgement of every envelope, retry and duplicate suppression and close mapping

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
)

func newTestPush(conn *fakeConn, sink *fakeSink, seen *dedupe.Cache) *PushChannel {
	return newPushChannel(conn, sink, seen, time.Second, discardLogger())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"envelope_id":"e1","type":"events_api","payload":{"a":1},"retry_attempt":0}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", env.EnvelopeID)
	assert.True(t, env.HasPayload())

	_, err = decodeEnvelope([]byte(`{"type":"events_api"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Contains(t, err.Error(), "events_api")

	env, err = decodeEnvelope([]byte(`{"type":"hello","num_connections":1}`))
	assert.ErrorIs(t, err, errControlFrame)
	assert.NotErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, "hello", env.Type)

	_, err = decodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEnvelope_HasPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"absent", ``, false},
		{"null", `null`, false},
		{"empty object", `{}`, false},
		{"empty string", `""`, false},
		{"empty array", `[]`, false},
		{"object", `{"event":{}}`, true},
		{"array", `[1]`, true},
		{"scalar", `"text"`, true},
		{"number", `0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{EnvelopeID: "x", Payload: []byte(tt.payload)}
			assert.Equal(t, tt.want, env.HasPayload())
		})
	}
}

func TestPushChannel_AcksEveryEnvelope(t *testing.T) {
	conn := newFakeConn()
	sink := &fakeSink{}
	p := newTestPush(conn, sink, nil)

	conn.send(`{"envelope_id":"e1","payload":{"event":1},"retry_attempt":0}`)
	conn.send(`{"envelope_id":"e2","payload":{"event":1},"retry_attempt":2,"retry_reason":"timeout"}`)
	conn.send(`{"envelope_id":"e3","type":"slash_commands"}`)
	conn.send(`{"envelope_id":"e4","payload":{}}`)
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, conn.ackedIDs())
	assert.Equal(t, []string{`{"event":1}`}, sink.pushes)
	assert.Equal(t, PushStats{Acked: 4, Forwarded: 1}, p.Stats())
}

func TestPushChannel_AckPrecedesForward(t *testing.T) {
	conn := newFakeConn()
	var acksAtForward []int
	sink := &fakeSink{}
	sink.onPush = func() { acksAtForward = append(acksAtForward, len(conn.ackedIDs())) }
	p := newTestPush(conn, sink, nil)

	conn.send(`{"envelope_id":"x","payload":{"event":1}}`)
	conn.send(`{"envelope_id":"y","payload":{"event":2}}`)
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 2}, acksAtForward)
}

func TestPushChannel_AckPrecedesFailedForward(t *testing.T) {
	conn := newFakeConn()
	acksAtForward := -1
	sink := &fakeSink{pushErr: errors.New("sink down")}
	sink.onPush = func() { acksAtForward = len(conn.ackedIDs()) }
	p := newTestPush(conn, sink, nil)

	conn.send(`{"envelope_id":"x","payload":{"event":1}}`)

	require.Error(t, p.Run(context.Background()))
	assert.Equal(t, 1, acksAtForward)
	assert.Equal(t, []string{"x"}, conn.ackedIDs())
}

func TestPushChannel_ControlFramesAreNotMalformed(t *testing.T) {
	conn := newFakeConn()
	sink := &fakeSink{}
	p := newTestPush(conn, sink, nil)

	before := testutil.ToFloat64(metrics.PushFramesTotal.WithLabelValues(metrics.FrameControl))

	conn.send(`{"type":"hello","num_connections":1}`)
	conn.send(`{"type":"disconnect","reason":"refresh_requested"}`)
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, conn.ackedIDs())
	assert.Equal(t, 0, sink.pushCount())
	assert.Equal(t, int64(0), p.Stats().Malformed)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.PushFramesTotal.WithLabelValues(metrics.FrameControl)))
}

func TestPushChannel_MalformedFrameIsNotFatal(t *testing.T) {
	conn := newFakeConn()
	sink := &fakeSink{}
	p := newTestPush(conn, sink, nil)

	conn.send(`{"type":"events_api","payload":{"a":1}}`)
	conn.send(`{{{`)
	conn.send(`{"envelope_id":"e1","payload":{"ok":true}}`)
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"e1"}, conn.ackedIDs())
	assert.Equal(t, 1, sink.pushCount())
	assert.Equal(t, int64(2), p.Stats().Malformed)
}

func TestPushChannel_DropsDuplicates(t *testing.T) {
	seen := dedupe.New(time.Minute, 16)
	defer seen.Close()

	conn := newFakeConn()
	sink := &fakeSink{}
	p := newTestPush(conn, sink, seen)

	conn.send(`{"envelope_id":"e1","payload":{"n":1}}`)
	conn.send(`{"envelope_id":"e1","payload":{"n":1}}`)
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"e1", "e1"}, conn.ackedIDs())
	assert.Equal(t, 1, sink.pushCount())
}

func TestPushChannel_ForwardFailureClosesByError(t *testing.T) {
	conn := newFakeConn()
	sink := &fakeSink{pushErr: &ForwardError{Status: 500}}
	p := newTestPush(conn, sink, nil)

	var closedPhase Phase
	var closedErr error
	p.onClosed = func(phase Phase, err error) { closedPhase, closedErr = phase, err }

	conn.send(`{"envelope_id":"e1","payload":{"n":1}}`)

	err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrForward)
	assert.Equal(t, PhaseClosedByError, p.Phase())
	assert.Equal(t, PhaseClosedByError, closedPhase)
	assert.ErrorIs(t, closedErr, ErrForward)
	assert.True(t, conn.isClosed())
	assert.Equal(t, []string{"e1"}, conn.ackedIDs())
}

func TestPushChannel_AckFailureIsFatal(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	p := newTestPush(conn, &fakeSink{}, nil)

	conn.send(`{"envelope_id":"e1","payload":{"n":1}}`)

	err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, PhaseClosedByError, p.Phase())
}

func TestPushChannel_RemoteCloseIsClosed(t *testing.T) {
	conn := newFakeConn()
	p := newTestPush(conn, &fakeSink{}, nil)

	var closedErr error
	p.onClosed = func(phase Phase, err error) { closedErr = err }
	close(conn.frames)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, PhaseClosed, p.Phase())
	assert.ErrorIs(t, closedErr, ErrRemoteClosed)
}

func TestPushChannel_DropIsClosedByError(t *testing.T) {
	conn := newFakeConn()
	p := newTestPush(conn, &fakeSink{}, nil)
	conn.drop <- errors.New("connection reset by peer")

	err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, PhaseClosedByError, p.Phase())
}

func TestPushChannel_CancelIsClosed(t *testing.T) {
	conn := newFakeConn()
	p := newTestPush(conn, &fakeSink{}, nil)

	var phases []Phase
	p.emit = func(phase Phase, _ string) { phases = append(phases, phase) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []Phase{PhaseReceiving, PhaseClosed}, phases)
}
