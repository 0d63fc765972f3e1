package protocol

import (
	"errors"
	"testing"
)

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{name: "not-json", frame: `hello`},
		{name: "missing-event", frame: `{"data":{"roomId":"note-1"}}`},
		{name: "empty-event", frame: `{"event":"","data":{}}`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Decode([]byte(testCase.frame))
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestChangeTitleOmittedWhenAbsent(t *testing.T) {
	frame, err := Encode(EventChange, Change{RoomID: "note-1", Content: "body", OriginID: "conn-a"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	envelope, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if envelope.Event != EventChange {
		t.Fatalf("unexpected event %q", envelope.Event)
	}
	var change Change
	if err := envelope.DecodeData(&change); err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	if change.Title != nil {
		t.Fatalf("expected absent title to stay nil, got %q", *change.Title)
	}

	title := ""
	frame, err = Encode(EventChange, Change{RoomID: "note-1", Content: "body", Title: &title})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	envelope, _ = Decode(frame)
	change = Change{}
	if err := envelope.DecodeData(&change); err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	if change.Title == nil || *change.Title != "" {
		t.Fatalf("expected explicit empty title to survive the round trip")
	}
}

func TestDecodeDataRequiresPayload(t *testing.T) {
	envelope := Envelope{Event: EventJoin}
	var join Join
	if err := envelope.DecodeData(&join); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope for missing data, got %v", err)
	}
}
