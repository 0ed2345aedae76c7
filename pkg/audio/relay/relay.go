// Package relay bridges the console's audio devices to a browser terminal over
// a WebSocket.
//
// The browser owns the real microphone and speakers. A single terminal
// connects to the relay's HTTP handler; the relay then acts as both an
// [audio.Microphone] and an [audio.Player] for the voice assistant.
//
// Wire protocol (one WebSocket, JSON text frames for control, binary frames
// for audio):
//
//	terminal → relay  {"type":"hello","sample_rate":48000,"channels":1}
//	relay → terminal  {"type":"capture_start"}
//	terminal → relay  {"type":"capture","granted":true}
//	terminal → relay  <binary int16 PCM>...
//	relay → terminal  {"type":"capture_stop"}
//	relay → terminal  {"type":"play","track":"<id>","mime":"audio/mpeg"} + <binary clip>
//	terminal → relay  {"type":"ended","track":"<id>"} | {"type":"error","track":"<id>","message":"..."}
//	relay → terminal  {"type":"stop","track":"<id>"} | {"type":"release","track":"<id>"}
//
// A newly connecting terminal supersedes the previous one.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxray-ai/console/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.Microphone = (*Relay)(nil)
	_ audio.Player     = (*Relay)(nil)
	_ http.Handler     = (*Relay)(nil)
)

const (
	defaultFrameBuffer = 256
	writeTimeout       = 5 * time.Second
)

// control is the JSON envelope of every text frame.
type control struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Granted    *bool  `json:"granted,omitempty"`
	Track      string `json:"track,omitempty"`
	MIME       string `json:"mime,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithCaptureFormat sets the format assumed for capture audio until the
// terminal announces its own in the hello message. Default: 48 kHz mono.
func WithCaptureFormat(f audio.Format) Option {
	return func(r *Relay) { r.defaultFormat = f }
}

// WithOriginPatterns restricts which page origins may connect. When empty,
// only same-origin connections are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(r *Relay) { r.origins = patterns }
}

// WithFrameBuffer sets the capture frame channel capacity.
func WithFrameBuffer(n int) Option {
	return func(r *Relay) { r.frameBuffer = n }
}

// Relay is the server side of the audio WebSocket.
type Relay struct {
	logger        *slog.Logger
	defaultFormat audio.Format
	origins       []string
	frameBuffer   int

	mu      sync.Mutex
	term    *terminal
	capture *stream
	grant   chan bool
	tracks  map[string]*track
}

// New creates a Relay with no terminal attached.
func New(opts ...Option) *Relay {
	r := &Relay{
		logger:        slog.Default(),
		defaultFormat: audio.Format{SampleRate: 48000, Channels: 1},
		frameBuffer:   defaultFrameBuffer,
		tracks:        make(map[string]*track),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "audio-relay")
	return r
}

// Connected reports whether a terminal is attached.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term != nil
}

// terminal is one accepted browser connection.
type terminal struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	fmtMu  sync.Mutex
	format audio.Format
}

func (t *terminal) captureFormat() audio.Format {
	t.fmtMu.Lock()
	defer t.fmtMu.Unlock()
	return t.format
}

func (t *terminal) send(ctx context.Context, msgs ...any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	for _, m := range msgs {
		var err error
		switch v := m.(type) {
		case []byte:
			err = t.conn.Write(ctx, websocket.MessageBinary, v)
		default:
			var data []byte
			if data, err = json.Marshal(v); err == nil {
				err = t.conn.Write(ctx, websocket.MessageText, data)
			}
		}
		if err != nil {
			return fmt.Errorf("relay: write: %w", err)
		}
	}
	return nil
}

// ServeHTTP accepts a terminal connection and serves it until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.origins,
	})
	if err != nil {
		r.logger.Warn("terminal handshake failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(req.Context())
	term := &terminal{conn: conn, ctx: ctx, cancel: cancel, format: r.defaultFormat}

	r.mu.Lock()
	prev := r.term
	r.term = term
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
		_ = prev.conn.Close(websocket.StatusPolicyViolation, "superseded by a new terminal")
	}

	r.logger.Info("terminal connected", "remote", req.RemoteAddr)
	err = r.readLoop(term)
	r.detach(term)
	cancel()

	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("terminal disconnected", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "relay error")
		return
	}
	r.logger.Info("terminal disconnected")
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (r *Relay) readLoop(term *terminal) error {
	for {
		typ, data, err := term.conn.Read(term.ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			r.deliver(term, data)
			continue
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Debug("ignoring malformed control message", "err", err)
			continue
		}
		r.handleControl(term, msg)
	}
}

func (r *Relay) handleControl(term *terminal, msg control) {
	switch msg.Type {
	case "hello":
		if msg.SampleRate > 0 && msg.Channels > 0 {
			term.fmtMu.Lock()
			term.format = audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
			term.fmtMu.Unlock()
		}
	case "capture":
		granted := msg.Granted != nil && *msg.Granted
		r.mu.Lock()
		ch := r.grant
		r.grant = nil
		r.mu.Unlock()
		if ch != nil {
			ch <- granted
		}
	case "ended", "error":
		r.mu.Lock()
		tr := r.tracks[msg.Track]
		r.mu.Unlock()
		if tr == nil {
			return
		}
		var err error
		if msg.Type == "error" {
			err = fmt.Errorf("relay: terminal playback failed: %s", msg.Message)
		}
		tr.finish(err)
	case "capture_end":
		r.mu.Lock()
		s := r.capture
		r.capture = nil
		r.mu.Unlock()
		if s != nil {
			s.end()
		}
	default:
		r.logger.Debug("ignoring unknown control message", "type", msg.Type)
	}
}

func (r *Relay) deliver(term *terminal, pcm []byte) {
	r.mu.Lock()
	s := r.capture
	r.mu.Unlock()
	if s == nil {
		return
	}
	if !s.push(pcm, term.captureFormat()) {
		r.logger.Debug("capture buffer full, dropping frame", "bytes", len(pcm))
	}
}

// detach tears down state tied to term once it disconnects.
func (r *Relay) detach(term *terminal) {
	r.mu.Lock()
	if r.term != term {
		r.mu.Unlock()
		return
	}
	r.term = nil
	s := r.capture
	r.capture = nil
	grant := r.grant
	r.grant = nil
	tracks := make([]*track, 0, len(r.tracks))
	for _, tr := range r.tracks {
		tracks = append(tracks, tr)
	}
	r.mu.Unlock()

	if s != nil {
		s.end()
	}
	if grant != nil {
		close(grant)
	}
	for _, tr := range tracks {
		tr.finish(audio.ErrNoDevice)
	}
}

func (r *Relay) currentTerminal() (*terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term == nil {
		return nil, audio.ErrNoDevice
	}
	return r.term, nil
}
