package gateway

import (
	"encoding/json"
	"testing"
)

func mustDecode(t *testing.T, raw string) *Frame {
	t.Helper()
	var frame Frame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &frame
}

func TestValidateRequestFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid chat.send",
			raw:  `{"type":"req","id":"r1","method":"chat.send","params":{"text":"hi"}}`,
		},
		{
			name:    "chat.send missing text",
			raw:     `{"type":"req","id":"r1","method":"chat.send","params":{}}`,
			wantErr: true,
		},
		{
			name:    "chat.send empty text",
			raw:     `{"type":"req","id":"r1","method":"chat.send","params":{"text":""}}`,
			wantErr: true,
		},
		{
			name:    "missing id",
			raw:     `{"type":"req","method":"ping"}`,
			wantErr: true,
		},
		{
			name: "unknown method passes envelope check",
			raw:  `{"type":"req","id":"r1","method":"no.such.method","params":{}}`,
		},
		{
			name: "valid connect",
			raw:  `{"type":"req","id":"r1","method":"connect","params":{"minProtocol":1,"maxProtocol":1,"client":{"id":"cli","version":"1.0","platform":"linux"}}}`,
		},
		{
			name:    "connect missing client",
			raw:     `{"type":"req","id":"r1","method":"connect","params":{"minProtocol":1,"maxProtocol":1}}`,
			wantErr: true,
		},
		{
			name: "ping with no params",
			raw:  `{"type":"req","id":"r1","method":"ping"}`,
		},
		{
			name: "session.patch label null",
			raw:  `{"type":"req","id":"r1","method":"session.patch","params":{"key":"main","label":null}}`,
		},
		{
			name:    "session.patch label wrong type",
			raw:     `{"type":"req","id":"r1","method":"session.patch","params":{"key":"main","label":7}}`,
			wantErr: true,
		},
		{
			name:    "approval resolve bad decision",
			raw:     `{"type":"req","id":"r1","method":"exec.approval.resolve","params":{"requestId":"a","decision":"maybe"}}`,
			wantErr: true,
		},
		{
			name: "approval resolve denied",
			raw:  `{"type":"req","id":"r1","method":"exec.approval.resolve","params":{"requestId":"a","decision":"denied"}}`,
		},
		{
			name:    "chat.history limit out of range",
			raw:     `{"type":"req","id":"r1","method":"chat.history","params":{"sessionKey":"main","limit":9999}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := mustDecode(t, tt.raw)
			err := validateRequestFrame([]byte(tt.raw), frame)
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPatchStringField(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		initial string
		want    string
		wantErr bool
	}{
		{name: "absent leaves value", raw: "", initial: "keep", want: "keep"},
		{name: "null clears", raw: "null", initial: "old", want: ""},
		{name: "string sets", raw: `"new"`, initial: "old", want: "new"},
		{name: "non-string errors", raw: "42", initial: "old", want: "old", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := tt.initial
			var raw json.RawMessage
			if tt.raw != "" {
				raw = json.RawMessage(tt.raw)
			}
			err := patchStringField(raw, &field)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if field != tt.want {
				t.Fatalf("field = %q, want %q", field, tt.want)
			}
		})
	}
}
