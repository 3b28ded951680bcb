// Package broker implements the filesystem message transport between the
// planner and executor processes. Each message type has its own channel
// directory; a message is one JSON file written via tmp+rename and deleted
// after read, giving at-most-once FIFO delivery with no external daemon.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Channel names. One directory per message type under the broker root.
const (
	ChannelProtocols           = "protocols"
	ChannelStatus              = "status"
	ChannelVisualNavRequest    = "visual_nav_request"
	ChannelVisualNavResponse   = "visual_nav_response"
	ChannelVisualStateRequest  = "visual_state_request"
	ChannelVisualStateResponse = "visual_state_response"
	ChannelVisualActionCmd     = "visual_action_cmd"
	ChannelVisualActionResult  = "visual_action_result"
)

// Channels lists every channel directory created under the root.
var Channels = []string{
	ChannelProtocols,
	ChannelStatus,
	ChannelVisualNavRequest,
	ChannelVisualNavResponse,
	ChannelVisualStateRequest,
	ChannelVisualStateResponse,
	ChannelVisualActionCmd,
	ChannelVisualActionResult,
}

// DefaultPollInterval is the channel scan cadence when none is configured.
const DefaultPollInterval = 100 * time.Millisecond

// ErrTimeout reports that no matching message arrived within the deadline.
var ErrTimeout = errors.New("broker: receive timed out")

// Bus is the channel surface the planner and executor program against.
// New returns the filesystem implementation; anything satisfying Bus can
// stand in for it.
type Bus interface {
	Send(channel string, payload any, requestID string) error
	Receive(ctx context.Context, channel string, timeout time.Duration, requestID string) (*Message, error)
	TryReceive(channel, requestID string) (*Message, error)
	Root() string
}

// Message is the typed envelope stored in each channel file.
type Message struct {
	Type      string          `json:"message_type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch ms
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (m *Message) Decode(dst any) error {
	return json.Unmarshal(m.Payload, dst)
}

// Options configures a Broker.
type Options struct {
	// PollInterval is the receive scan cadence. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Watch enables an fsnotify fast-wake on top of polling: a file created
	// in a channel directory wakes a pending Receive before its next tick.
	// Polling remains the correctness mechanism; the watch only cuts latency.
	Watch bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Broker reads and writes message files under a shared root directory.
// Safe for use from multiple goroutines within one process; cross-process
// safety relies on atomic rename and delete-after-read.
type Broker struct {
	root   string
	poll   time.Duration
	logger *slog.Logger

	watcher *fsnotify.Watcher // nil when watching is disabled

	mu    sync.Mutex
	wakes map[string]chan struct{} // channel name -> wake signal
}

var _ Bus = (*Broker)(nil)

// New creates the channel directories under root and returns a Broker.
func New(root string, opts Options) (*Broker, error) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		root:   root,
		poll:   poll,
		logger: logger,
		wakes:  make(map[string]chan struct{}),
	}
	for _, ch := range Channels {
		if err := os.MkdirAll(filepath.Join(root, ch), 0o755); err != nil {
			return nil, fmt.Errorf("broker: create channel %s: %w", ch, err)
		}
	}
	if opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("broker: start watcher: %w", err)
		}
		for _, ch := range Channels {
			if err := w.Add(filepath.Join(root, ch)); err != nil {
				_ = w.Close()
				return nil, fmt.Errorf("broker: watch channel %s: %w", ch, err)
			}
		}
		b.watcher = w
		go b.pump()
	}
	return b, nil
}

// Root returns the broker root directory.
func (b *Broker) Root() string { return b.root }

// Close stops the watcher if one is running.
func (b *Broker) Close() error {
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// Send marshals payload, wraps it in a Message envelope, and writes it to
// the channel directory as <epoch_ms>_<sanitized_request_id>.json. The file
// is written under a .tmp name and renamed so consumers never observe a
// partial message.
func (b *Broker) Send(channel string, payload any, requestID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal payload for %s: %w", channel, err)
	}
	msg := Message{
		Type:      channel,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope for %s: %w", channel, err)
	}

	dir := filepath.Join(b.root, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("broker: create channel %s: %w", channel, err)
	}
	name := strconv.FormatInt(msg.Timestamp, 10) + "_" + Sanitize(requestID)
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("broker: write %s: %w", tmp, err)
	}
	final := filepath.Join(dir, name+".json")
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("broker: publish %s: %w", final, err)
	}
	b.logger.Debug("broker: sent", "channel", channel, "request_id", requestID, "bytes", len(raw))
	return nil
}

// Receive polls channel until a message arrives or timeout elapses.
// With a non-empty requestID only messages whose sanitized id matches are
// consumed; others stay in place for their intended reader. Returns
// ErrTimeout when the deadline passes and ctx.Err() on cancellation.
func (b *Broker) Receive(ctx context.Context, channel string, timeout time.Duration, requestID string) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := b.scan(channel, requestID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		wait := b.poll
		if remaining < wait {
			wait = remaining
		}
		var wakeCh chan struct{}
		if b.watcher != nil {
			wakeCh = b.wake(channel)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		case <-wakeCh:
		}
	}
}

// TryReceive scans the channel once without waiting. Returns (nil, nil)
// when no matching message is present.
func (b *Broker) TryReceive(channel, requestID string) (*Message, error) {
	return b.scan(channel, requestID)
}

// scan reads the channel directory, picks the oldest matching .json file,
// deletes it, and returns the decoded envelope. FIFO order is the filename
// sort: epoch-ms prefix first, request id as tie-break.
func (b *Broker) scan(channel, requestID string) (*Message, error) {
	dir := filepath.Join(b.root, channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // other process has not created the channel yet
		}
		return nil, fmt.Errorf("broker: read channel %s: %w", channel, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue // .tmp files are in-flight writes
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	want := ""
	if requestID != "" {
		want = Sanitize(requestID)
	}
	for _, name := range names {
		if want != "" && fileRequestID(name) != want {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with another consumer
			}
			return nil, fmt.Errorf("broker: read %s: %w", path, err)
		}
		// Delete-after-read gives at-most-once delivery.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("broker: could not delete consumed message", "path", path, "error", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("broker: dropping undecodable message", "file", name, "error", err)
			continue
		}
		b.logger.Debug("broker: received", "channel", channel, "request_id", msg.RequestID)
		return &msg, nil
	}
	return nil, nil
}

// fileRequestID extracts the sanitized request id from a message filename
// (<epoch_ms>_<id>.json). The timestamp never contains '_', so the first
// underscore is the separator.
func fileRequestID(name string) string {
	name = strings.TrimSuffix(name, ".json")
	if i := strings.Index(name, "_"); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// wake returns the fast-wake channel for a broker channel, creating it on
// first use.
func (b *Broker) wake(channel string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.wakes[channel]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wakes[channel] = ch
	}
	return ch
}

// pump forwards filesystem create events to per-channel wake signals.
// Non-blocking sends: a full wake buffer means a Receive is already due to
// rescan.
func (b *Broker) pump() {
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			ch := b.wake(filepath.Base(filepath.Dir(ev.Name)))
			select {
			case ch <- struct{}{}:
			default:
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("broker: watcher error", "error", err)
		}
	}
}

// Sanitize normalizes a request id for use in a message filename: lowercase,
// non-alphanumerics replaced with '_', truncated to 128 characters. Writer
// and reader apply the identical rule so their filenames match.
func Sanitize(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	s := sb.String()
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}
