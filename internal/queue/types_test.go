package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		want    any
		wantErr error
	}{
		{
			name: "index message",
			event: Event{ //nolint:exhaustruct
				Action:  ActionIndex,
				Message: json.RawMessage(`{"gid":"16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3"}`),
			},
			want: IndexMessage{GID: "16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3"},
		},
		{
			name: "deindex message reuses index shape",
			event: Event{ //nolint:exhaustruct
				Action:  ActionDeindex,
				Message: json.RawMessage(`{"gid":"abc"}`),
			},
			want: IndexMessage{GID: "abc"},
		},
		{
			name: "copy_image message",
			event: Event{ //nolint:exhaustruct
				Action:  ActionCopyImage,
				Message: json.RawMessage(`{"artwork_id":1,"old_gid":"a","new_gid":"b","suffix":"jpg"}`),
			},
			want: CopyImageMessage{ArtworkID: 1, OldGID: "a", NewGID: "b", Suffix: "jpg"},
		},
		{
			name: "delete_image message",
			event: Event{ //nolint:exhaustruct
				Action:  ActionDeleteImage,
				Message: json.RawMessage(`{"artwork_id":1,"gid":"a","suffix":"jpg"}`),
			},
			want: DeleteImageMessage{ArtworkID: 1, GID: "a", Suffix: "jpg"},
		},
		{
			name: "noop message",
			event: Event{ //nolint:exhaustruct
				Action:  ActionNoop,
				Message: json.RawMessage(`{"fail":true}`),
			},
			want: NoopMessage{Fail: true, Sleep: 0},
		},
		{
			name: "unknown action",
			event: Event{ //nolint:exhaustruct
				Action:  "bogus",
				Message: json.RawMessage(`{}`),
			},
			wantErr: ErrUnknownAction,
		},
		{
			name: "malformed json",
			event: Event{ //nolint:exhaustruct
				Action:  ActionIndex,
				Message: json.RawMessage(`not json`),
			},
			wantErr: ErrMalformedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.event)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseMessage() error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseMessage() unexpected error: %v", err)
			}

			if got != tt.want {
				t.Errorf("ParseMessage() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMarshalMessageRoundTrip(t *testing.T) {
	m := CopyImageMessage{ArtworkID: 42, OldGID: "old", NewGID: "new", Suffix: "png"}

	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("MarshalMessage() unexpected error: %v", err)
	}

	event := Event{Action: ActionCopyImage, Message: data} //nolint:exhaustruct

	got, err := ParseMessage(event)
	if err != nil {
		t.Fatalf("ParseMessage() unexpected error: %v", err)
	}

	if got != m {
		t.Errorf("round trip = %#v, want %#v", got, m)
	}
}

func TestNoopMessageSleep(t *testing.T) {
	data, err := MarshalMessage(NoopMessage{Fail: false, Sleep: 5 * time.Second})
	if err != nil {
		t.Fatalf("MarshalMessage() unexpected error: %v", err)
	}

	got, err := ParseMessage(Event{Action: ActionNoop, Message: data}) //nolint:exhaustruct
	if err != nil {
		t.Fatalf("ParseMessage() unexpected error: %v", err)
	}

	noop, ok := got.(NoopMessage)
	if !ok {
		t.Fatalf("ParseMessage() returned %T, want NoopMessage", got)
	}

	if noop.Sleep != 5*time.Second {
		t.Errorf("Sleep = %v, want 5s", noop.Sleep)
	}
}

// Guards the wire format directly, rather than round-tripping through
// Go's own Marshal/Unmarshal: the documented payload shape
// (SPEC_FULL.md's "message = {fail: bool, sleep: seconds}") sends sleep
// as a plain number of seconds, not nanoseconds.
func TestNoopMessageSleepWireFormatIsSeconds(t *testing.T) {
	got, err := ParseMessage(Event{Action: ActionNoop, Message: []byte(`{"fail":false,"sleep":5}`)}) //nolint:exhaustruct
	if err != nil {
		t.Fatalf("ParseMessage() unexpected error: %v", err)
	}

	noop, ok := got.(NoopMessage)
	if !ok {
		t.Fatalf("ParseMessage() returned %T, want NoopMessage", got)
	}

	if noop.Sleep != 5*time.Second {
		t.Errorf("Sleep = %v, want 5s", noop.Sleep)
	}
}
