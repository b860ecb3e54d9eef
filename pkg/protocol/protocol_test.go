package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/protocol"
)

func TestEncode_WireShape(t *testing.T) {
	t.Parallel()
	at := time.UnixMilli(1700000000123)
	tests := []struct {
		name string
		msg  protocol.Message
		want map[string]any
	}{
		{"ping", protocol.Ping(), map[string]any{"type": "ping"}},
		{"status", protocol.Status("connected"), map[string]any{"type": "connection_status", "status": "connected"}},
		{"transcript", protocol.Transcript("hello", at), map[string]any{"type": "transcript", "text": "hello", "timestamp": float64(1700000000123)}},
		{"error", protocol.Error("boom"), map[string]any{"type": "error", "message": "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := protocol.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestEncode_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := protocol.Encode(protocol.Message{Type: "bogus"})
	if !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	m, err := protocol.Decode([]byte(`{"type":"transcript","text":"hi","timestamp":1000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != protocol.TypeTranscript || m.Text != "hi" {
		t.Errorf("got %+v", m)
	}
	if !m.Time().Equal(time.UnixMilli(1000)) {
		t.Errorf("Time = %v, want %v", m.Time(), time.UnixMilli(1000))
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `not json`, protocol.ErrMalformed},
		{"array", `[1,2]`, protocol.ErrMalformed},
		{"missing type", `{"text":"x"}`, protocol.ErrUnknownType},
		{"unknown type", `{"type":"session.update"}`, protocol.ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Decode([]byte(tt.in))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessage_TimeZero(t *testing.T) {
	t.Parallel()
	if !protocol.Ping().Time().IsZero() {
		t.Error("Time of message without timestamp should be zero")
	}
}
