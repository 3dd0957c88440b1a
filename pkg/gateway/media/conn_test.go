package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWS struct {
	mu     sync.Mutex
	reads  []string
	writes []recordedWrite
	closed bool
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeWS) SetReadDeadline(time.Time) error  { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return 0, nil, io.EOF
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	return websocket.TextMessage, []byte(next), nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

const startFrame = `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"tenant_id":"acme"}}}`

func TestConn_AwaitStartThenReadLoop(t *testing.T) {
	ws := &fakeWS{reads: []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		startFrame,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//8="}}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"m1"}}`,
		`not json`,
		`{"event":"stop","streamSid":"MZ1"}`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":"//8="}}`,
	}}
	c := NewConn(ws, Config{}, nil)

	start, err := c.AwaitStart(context.Background())
	if err != nil {
		t.Fatalf("AwaitStart error: %v", err)
	}
	if start.Param(protocol.ParamTenantID) != "acme" || c.StreamSID() != "MZ1" {
		t.Fatalf("start=%+v sid=%q", start, c.StreamSID())
	}

	if err := c.ReadLoop(context.Background()); err != nil {
		t.Fatalf("ReadLoop error: %v", err)
	}
	var got []string
	for msg := range c.Inbound() {
		switch msg.(type) {
		case protocol.Media:
			got = append(got, "media")
		case protocol.Mark:
			got = append(got, "mark")
		case protocol.Stop:
			got = append(got, "stop")
		}
	}
	if strings.Join(got, ",") != "media,mark,stop" {
		t.Fatalf("inbound=%v", got)
	}
}

func TestConn_AwaitStartFailsOnStop(t *testing.T) {
	ws := &fakeWS{reads: []string{`{"event":"stop"}`}}
	c := NewConn(ws, Config{}, nil)
	if _, err := c.AwaitStart(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("err=%v, want ErrHandshake", err)
	}
}

func TestConn_InboundRateLimit(t *testing.T) {
	reads := []string{}
	for i := 0; i < 10; i++ {
		reads = append(reads, `{"event":"media","media":{"track":"inbound","payload":"//8="}}`)
	}
	ws := &fakeWS{reads: reads}
	c := NewConn(ws, Config{InboundFPS: 2, InboundBurstSeconds: 2}, nil)
	if err := c.ReadLoop(context.Background()); err == nil {
		t.Fatalf("expected read error after EOF")
	}
	n := 0
	for range c.Inbound() {
		n++
	}
	if n != 4 {
		t.Fatalf("delivered=%d, want burst of 4", n)
	}
	if c.DroppedInbound() != 6 {
		t.Fatalf("dropped=%d, want 6", c.DroppedInbound())
	}
}

func TestConn_SendFrameEncodesByClass(t *testing.T) {
	ws := &fakeWS{reads: []string{startFrame}}
	c := NewConn(ws, Config{}, nil)
	if _, err := c.AwaitStart(context.Background()); err != nil {
		t.Fatalf("AwaitStart: %v", err)
	}
	for _, f := range []audio.Frame{
		audio.NewMedia("t1", []byte{0xFF}),
		audio.NewClear(),
		audio.NewMark("t1_done"),
	} {
		if err := c.SendFrame(f); err != nil {
			t.Fatalf("SendFrame(%s) error: %v", f.Class, err)
		}
	}
	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want 3", len(writes))
	}
	var events []string
	for _, w := range writes {
		var env struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
		}
		if err := json.Unmarshal([]byte(w.data), &env); err != nil {
			t.Fatalf("unmarshal %q: %v", w.data, err)
		}
		if env.StreamSID != "MZ1" {
			t.Fatalf("streamSid=%q", env.StreamSID)
		}
		events = append(events, env.Event)
	}
	if strings.Join(events, ",") != "media,clear,mark" {
		t.Fatalf("events=%v", events)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	ws := &fakeWS{}
	c := NewConn(ws, Config{}, nil)
	_ = c.Close()
	_ = c.Close()
	writes := ws.snapshot()
	if len(writes) != 1 || writes[0].messageType != websocket.CloseMessage {
		t.Fatalf("writes=%+v, want one close frame", writes)
	}
	if err := c.SendFrame(audio.NewClear()); err == nil {
		t.Fatalf("SendFrame after Close should fail")
	}
}
