package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b, err := New(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Sending and receiving preserves the payload byte-for-byte.
func TestSendReceive_RoundTrip(t *testing.T) {
	b := newTestBroker(t, Options{})

	payload := map[string]any{
		"request_id": "nav-1",
		"target":     "Submit button",
		"iteration":  float64(3),
	}
	require.NoError(t, b.Send(ChannelVisualNavRequest, payload, "nav-1"))

	msg, err := b.Receive(context.Background(), ChannelVisualNavRequest, time.Second, "nav-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, ChannelVisualNavRequest, msg.Type)
	assert.Equal(t, "nav-1", msg.RequestID)
	assert.NotZero(t, msg.Timestamp)

	want, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(msg.Payload))

	var decoded map[string]any
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

// Messages come out oldest-first by filename timestamp.
func TestReceive_FIFOOrder(t *testing.T) {
	b := newTestBroker(t, Options{})
	dir := filepath.Join(b.Root(), ChannelProtocols)

	write := func(name, id string) {
		raw, err := json.Marshal(Message{
			Type:      ChannelProtocols,
			RequestID: id,
			Timestamp: 1,
			Payload:   json.RawMessage(`{"id":"` + id + `"}`),
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	}
	// Written out of order on purpose; the scan must sort.
	write("1700000000002_b.json", "b")
	write("1700000000000_a.json", "a")
	write("1700000000001_m.json", "m")

	var got []string
	for i := 0; i < 3; i++ {
		msg, err := b.TryReceive(ChannelProtocols, "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, msg.RequestID)
	}
	assert.Equal(t, []string{"a", "m", "b"}, got)
}

// A request-id filter consumes only its own messages and leaves the rest.
func TestReceive_FiltersByRequestID(t *testing.T) {
	b := newTestBroker(t, Options{})

	require.NoError(t, b.Send(ChannelVisualNavResponse, map[string]any{"n": 1}, "other"))
	require.NoError(t, b.Send(ChannelVisualNavResponse, map[string]any{"n": 2}, "mine"))

	msg, err := b.Receive(context.Background(), ChannelVisualNavResponse, time.Second, "mine")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "mine", msg.RequestID)

	// The other message must still be there for its intended reader.
	left, err := b.TryReceive(ChannelVisualNavResponse, "other")
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, "other", left.RequestID)
}

// The filter matches on sanitized ids, the same form used in filenames.
func TestReceive_FilterMatchesSanitizedID(t *testing.T) {
	b := newTestBroker(t, Options{})

	require.NoError(t, b.Send(ChannelStatus, map[string]any{"ok": true}, "Req 42!"))

	msg, err := b.Receive(context.Background(), ChannelStatus, time.Second, "Req 42!")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "Req 42!", msg.RequestID)
}

// An empty channel times out with ErrTimeout after the deadline.
func TestReceive_Timeout(t *testing.T) {
	b := newTestBroker(t, Options{PollInterval: 10 * time.Millisecond})

	start := time.Now()
	msg, err := b.Receive(context.Background(), ChannelProtocols, 50*time.Millisecond, "")
	assert.Nil(t, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// Cancelling the context interrupts a blocked Receive.
func TestReceive_ContextCancelled(t *testing.T) {
	b := newTestBroker(t, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	msg, err := b.Receive(ctx, ChannelProtocols, 5*time.Second, "")
	assert.Nil(t, msg)
	assert.True(t, errors.Is(err, context.Canceled))
}

// Delete-after-read means a message is delivered at most once.
func TestReceive_AtMostOnce(t *testing.T) {
	b := newTestBroker(t, Options{PollInterval: 10 * time.Millisecond})

	require.NoError(t, b.Send(ChannelStatus, map[string]any{"status": "success"}, "run-1"))

	first, err := b.Receive(context.Background(), ChannelStatus, time.Second, "")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := b.Receive(context.Background(), ChannelStatus, 40*time.Millisecond, "")
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrTimeout))
}

// In-flight .tmp files are never consumed.
func TestTryReceive_IgnoresTmpFiles(t *testing.T) {
	b := newTestBroker(t, Options{})

	tmp := filepath.Join(b.Root(), ChannelProtocols, "1700000000000_x.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"message_type":"protocols"}`), 0o644))

	msg, err := b.TryReceive(ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

// Undecodable message files are dropped, not returned and not retried.
func TestTryReceive_DropsUndecodable(t *testing.T) {
	b := newTestBroker(t, Options{})
	dir := filepath.Join(b.Root(), ChannelProtocols)

	bad := filepath.Join(dir, "1700000000000_bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	msg, err := b.TryReceive(ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg)
	_, statErr := os.Stat(bad)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, b.Send(ChannelProtocols, map[string]any{"ok": true}, "good"))
	msg, err = b.TryReceive(ChannelProtocols, "")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "good", msg.RequestID)
}

// Send recreates a channel directory that disappeared.
func TestSend_RecreatesChannelDir(t *testing.T) {
	b := newTestBroker(t, Options{})
	dir := filepath.Join(b.Root(), ChannelStatus)
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(t, b.Send(ChannelStatus, map[string]any{"ok": true}, "r1"))
	msg, err := b.TryReceive(ChannelStatus, "r1")
	require.NoError(t, err)
	require.NotNil(t, msg)
}

// With watching enabled a pending Receive wakes on arrival instead of
// waiting out its poll interval.
func TestReceive_WatcherWakesBeforePoll(t *testing.T) {
	b := newTestBroker(t, Options{PollInterval: 10 * time.Second, Watch: true})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Send(ChannelVisualNavRequest, map[string]any{"target": "OK"}, "nav-2")
	}()

	start := time.Now()
	msg, err := b.Receive(context.Background(), ChannelVisualNavRequest, 5*time.Second, "nav-2")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"nav-1", "nav_1"},
		{"Req 42!", "req_42_"},
		{"already_ok_123", "already_ok_123"},
		{"open Café", "open_caf_"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Sanitize(tc.in), "input %q", tc.in)
	}

	long := strings.Repeat("a", 200)
	assert.Len(t, Sanitize(long), 128)
}

func TestFileRequestID(t *testing.T) {
	assert.Equal(t, "abc_def", fileRequestID("1700000000000_abc_def.json"))
	assert.Equal(t, "", fileRequestID("1700000000000_.json"))
	assert.Equal(t, "", fileRequestID("1700000000000.json"))
}
