package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestSessionKeyIsSymmetric(t *testing.T) {
	forward := SessionKey("room1", "alice", "bob")
	backward := SessionKey("room1", "bob", "alice")
	if forward != backward {
		t.Fatalf("expected symmetric session key, got %s and %s", forward, backward)
	}
	if other := SessionKey("room2", "alice", "bob"); other == forward {
		t.Fatalf("expected session key to depend on room id")
	}
}

func TestReactionRecordNameIsExact(t *testing.T) {
	first := ReactionRecordName("m1", "alice", "bob", "👍")
	again := ReactionRecordName("m1", "alice", "bob", "👍")
	if first != again {
		t.Fatalf("expected deterministic reaction identity")
	}
	if ReactionRecordName("m1", "alice", "bob", "🎉") == first {
		t.Fatalf("expected emoji to change reaction identity")
	}
	if ReactionRecordName("m1", "alice", "carol", "👍") == first {
		t.Fatalf("expected reacting user to change reaction identity")
	}
}

func TestParseMessageRecordName(t *testing.T) {
	tests := []struct {
		name       string
		recordName string
		messageID  string
		senderID   string
		ok         bool
	}{
		{name: "well-formed", recordName: MessageRecordName("m1", "alice"), messageID: "m1", senderID: "alice", ok: true},
		{name: "tilde-in-message", recordName: "m~1~bob", messageID: "m~1", senderID: "bob", ok: true},
		{name: "missing-sender", recordName: "m1~", ok: false},
		{name: "no-separator", recordName: "m1", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messageID, senderID, ok := ParseMessageRecordName(tt.recordName)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && (messageID != tt.messageID || senderID != tt.senderID) {
				t.Fatalf("unexpected split %q/%q", messageID, senderID)
			}
		})
	}
}

func TestFieldsInt64AcceptsTransportNumbers(t *testing.T) {
	fields := Fields{
		"float":   float64(100),
		"number":  json.Number("42"),
		"int":     7,
		"frac":    1.5,
		"text":    "9",
		"missing": nil,
	}
	cases := map[string]int64{"float": 100, "number": 42, "int": 7}
	for key, want := range cases {
		got, ok := fields.Int64(key)
		if !ok || got != want {
			t.Fatalf("expected %s=%d, got %d (ok=%v)", key, want, got, ok)
		}
	}
	for _, key := range []string{"frac", "text", "missing", "absent"} {
		if _, ok := fields.Int64(key); ok {
			t.Fatalf("expected %s to be rejected", key)
		}
	}
}

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(KindCursorExpired, "fetch", errors.New("gone")))
	if !errors.Is(err, ErrCursorExpired) {
		t.Fatalf("expected cursor expired sentinel to match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found sentinel not to match")
	}
	if !RequiresReset(err) {
		t.Fatalf("expected cursor expiry to require reset")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected untyped error to have no kind")
	}
}

func TestAccessHintDistinguishesCauses(t *testing.T) {
	if AccessHint(KindPermissionDenied, ScopeShared) != HintUngranted {
		t.Fatalf("expected ungranted hint for shared denial")
	}
	if AccessHint(KindPermissionDenied, ScopeOwner) != HintWrongScope {
		t.Fatalf("expected wrong scope hint for owner denial")
	}
	if AccessHint(KindNotFound, ScopeOwner) != HintEnvironment {
		t.Fatalf("expected environment hint for owner not found")
	}
}

func TestNormalizeRoomIDRejectsReservedCharacters(t *testing.T) {
	if _, err := NormalizeRoomID("  "); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected empty room id to be rejected, got %v", err)
	}
	if _, err := NormalizeRoomID("a/b"); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected slash to be rejected, got %v", err)
	}
	roomID, err := NormalizeRoomID(" chat-42 ")
	if err != nil || roomID != "chat-42" {
		t.Fatalf("expected trimmed room id, got %q (%v)", roomID, err)
	}
}
