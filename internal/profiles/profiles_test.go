package profiles

import (
	"testing"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

func TestShapeIndexIsStableAndBounded(t *testing.T) {
	for _, userID := range []string{"alice", "bob", "", "user-with-a-long-identifier"} {
		first := ShapeIndex(userID)
		if first != ShapeIndex(userID) {
			t.Fatalf("expected stable shape for %q", userID)
		}
		if first < 0 || first >= ShapeCount {
			t.Fatalf("shape %d out of range for %q", first, userID)
		}
	}
	// FNV-1a of the empty string is the offset basis 2166136261.
	if ShapeIndex("") != int(uint32(2166136261)%ShapeCount) {
		t.Fatalf("expected FNV-1a offset basis for empty id")
	}
}

func TestDecodeFallsBackToRecordName(t *testing.T) {
	profile, ok := Decode(records.Record{
		Type:   records.TypeProfile,
		Name:   records.ProfileRecordName("bob"),
		Fields: records.Fields{records.FieldDisplayName: "Bob", records.FieldUpdatedAt: float64(42)},
	})
	if !ok {
		t.Fatalf("expected profile to decode")
	}
	if profile.UserID != "bob" || profile.DisplayName != "Bob" || profile.UpdatedAtMillis != 42 {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.ShapeIndex != ShapeIndex("bob") {
		t.Fatalf("expected derived shape index")
	}
	if _, ok := Decode(records.Record{Type: records.TypeProfile, Name: "garbage"}); ok {
		t.Fatalf("expected undecodable profile to be rejected")
	}
}
