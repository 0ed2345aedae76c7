package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/audio/relay"
)

type message struct {
	Type    string `json:"type"`
	Track   string `json:"track,omitempty"`
	MIME    string `json:"mime,omitempty"`
	Granted *bool  `json:"granted,omitempty"`
}

// connect starts a relay behind an httptest server and dials it as a
// terminal. It waits until the relay has registered the terminal.
func connect(t *testing.T) (*relay.Relay, *websocket.Conn) {
	t.Helper()
	r := relay.New()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(3 * time.Second)
	for !r.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("terminal never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r, conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return typ, data
}

func recvControl(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	typ, data := recv(t, conn)
	if typ != websocket.MessageText {
		t.Fatalf("got binary frame, want control message")
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

type openResult struct {
	stream audio.Stream
	err    error
}

func openAsync(r *relay.Relay) <-chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		s, err := r.Open(context.Background())
		ch <- openResult{s, err}
	}()
	return ch
}

func TestOpen_WithoutTerminal(t *testing.T) {
	r := relay.New()
	if _, err := r.Open(context.Background()); !errors.Is(err, audio.ErrNoDevice) {
		t.Errorf("Open err = %v, want ErrNoDevice", err)
	}
}

func TestCapture_GrantedStreamsFrames(t *testing.T) {
	r, conn := connect(t)
	send(t, conn, map[string]any{"type": "hello", "sample_rate": 16000, "channels": 1})

	res := openAsync(r)
	if m := recvControl(t, conn); m.Type != "capture_start" {
		t.Fatalf("got %q, want capture_start", m.Type)
	}
	send(t, conn, map[string]any{"type": "capture", "granted": true})

	got := <-res
	if got.err != nil {
		t.Fatalf("Open: %v", got.err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 320)); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	select {
	case f := <-got.stream.Frames():
		if len(f.Data) != 320 || f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame = %d bytes %s, want 320 bytes 16000Hz mono", len(f.Data), f.Format())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}

	if _, err := r.Open(context.Background()); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("second Open err = %v, want ErrDeviceBusy", err)
	}

	if err := got.stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m := recvControl(t, conn); m.Type != "capture_stop" {
		t.Errorf("got %q, want capture_stop", m.Type)
	}
	if _, ok := <-got.stream.Frames(); ok {
		t.Error("frame channel still open after Close")
	}
}

func TestCapture_PermissionDenied(t *testing.T) {
	r, conn := connect(t)

	res := openAsync(r)
	recvControl(t, conn)
	send(t, conn, map[string]any{"type": "capture", "granted": false})

	if got := <-res; !errors.Is(got.err, audio.ErrPermissionDenied) {
		t.Errorf("Open err = %v, want ErrPermissionDenied", got.err)
	}
}

func TestCapture_TerminalLeaves(t *testing.T) {
	r, conn := connect(t)

	res := openAsync(r)
	recvControl(t, conn)
	conn.Close(websocket.StatusNormalClosure, "bye")

	if got := <-res; !errors.Is(got.err, audio.ErrNoDevice) {
		t.Errorf("Open err = %v, want ErrNoDevice", got.err)
	}
}

func TestPlayback_EndedAndStop(t *testing.T) {
	r, conn := connect(t)

	tr, err := r.Load(context.Background(), audio.Clip{Data: []byte("mp3"), MIMEType: "audio/mpeg"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	played := make(chan error, 1)
	go func() { played <- tr.Play(context.Background()) }()

	m := recvControl(t, conn)
	if m.Type != "play" || m.MIME != "audio/mpeg" || m.Track == "" {
		t.Fatalf("got %+v, want play message", m)
	}
	typ, data := recv(t, conn)
	if typ != websocket.MessageBinary || string(data) != "mp3" {
		t.Fatalf("got %v %q, want binary clip", typ, data)
	}
	send(t, conn, map[string]any{"type": "ended", "track": m.Track})

	select {
	case err := <-played:
		if err != nil {
			t.Errorf("Play: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Play did not return after ended")
	}

	// Second play, interrupted by Stop.
	go func() { played <- tr.Play(context.Background()) }()
	recvControl(t, conn)
	recv(t, conn)
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-played; err != nil {
		t.Errorf("Play after Stop: %v", err)
	}
	if m := recvControl(t, conn); m.Type != "stop" {
		t.Errorf("got %q, want stop", m.Type)
	}

	if err := tr.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m := recvControl(t, conn); m.Type != "release" {
		t.Errorf("got %q, want release", m.Type)
	}
	if err := tr.Play(context.Background()); !errors.Is(err, audio.ErrReleased) {
		t.Errorf("Play after Release err = %v, want ErrReleased", err)
	}
}

func TestPlayback_TerminalError(t *testing.T) {
	r, conn := connect(t)
	tr, err := r.Load(context.Background(), audio.Clip{Data: []byte{1}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	played := make(chan error, 1)
	go func() { played <- tr.Play(context.Background()) }()
	m := recvControl(t, conn)
	recv(t, conn)
	send(t, conn, map[string]any{"type": "error", "track": m.Track, "message": "decode failed"})

	if err := <-played; err == nil || !strings.Contains(err.Error(), "decode failed") {
		t.Errorf("Play err = %v, want terminal error", err)
	}
}
