package conflict

import "github.com/MarcoPoloResearchLab/parley/internal/records"

// Group is a set of fields that always travel together. A side's clock for the
// group is the largest of its Clocks fields that is present.
type Group struct {
	Name   string
	Clocks []string
	Fields []string
}

// Policy describes how one record type merges.
type Policy struct {
	Groups []Group
	// Monotonic fields merge to the larger integral value regardless of group outcome.
	Monotonic []string
}

var policies = map[records.RecordType]Policy{
	records.TypeMessage: {
		Groups: []Group{
			{Name: "content", Clocks: []string{records.FieldEditedAt, records.FieldTimestamp}, Fields: []string{records.FieldBody, records.FieldTimestamp, records.FieldEditedAt}},
			{Name: "attachment", Clocks: []string{records.FieldAttachmentAt}, Fields: []string{records.FieldAttachmentRef, records.FieldAttachmentAt}},
		},
	},
	records.TypeRoom: {
		Groups: []Group{
			{Name: "membership", Clocks: []string{records.FieldUpdatedAt}, Fields: []string{records.FieldParticipantID, records.FieldUpdatedAt}},
		},
	},
	records.TypeProfile: {
		Groups: []Group{
			{Name: "profile", Clocks: []string{records.FieldUpdatedAt}, Fields: []string{records.FieldDisplayName, records.FieldAvatar, records.FieldUpdatedAt}},
		},
	},
	records.TypeSignalSession: {
		Groups: []Group{
			{Name: "session", Clocks: []string{records.FieldUpdatedAt}, Fields: []string{records.FieldCallerID, records.FieldCalleeID, records.FieldUpdatedAt}},
		},
		Monotonic: []string{records.FieldCallEpoch},
	},
	records.TypeSignalEnvelope: {
		Groups: []Group{
			{Name: "envelope", Clocks: []string{records.FieldUpdatedAt}, Fields: []string{records.FieldEpoch, records.FieldPayload, records.FieldUpdatedAt}},
		},
	},
	records.TypeIceChunk: {
		Groups: []Group{
			{Name: "candidates", Clocks: []string{records.FieldUpdatedAt}, Fields: []string{records.FieldPayload, records.FieldCandidateType, records.FieldUpdatedAt}},
		},
	},
}

// PolicyFor returns the merge policy of a record type. Unknown types merge field by field with remote precedence.
func PolicyFor(recordType records.RecordType) Policy {
	return policies[recordType]
}

// Resolve merges two concurrent snapshots of the same record.
//
// Each field group is taken whole from the side with the newer clock. Ties and
// missing clocks prefer remote, the server-accepted copy. Fields outside every
// group take the remote value when present. Record metadata (change tag,
// modification time, partition) always comes from remote so that a follow-up
// save is preconditioned on the server copy.
func Resolve(local, remote records.Record) records.Record {
	policy := PolicyFor(remote.Type)
	merged := remote.Clone()
	fields := make(records.Fields, len(local.Fields)+len(remote.Fields))

	grouped := make(map[string]struct{})
	for _, group := range policy.Groups {
		source := remote.Fields
		if localWins(local.Fields, remote.Fields, group.Clocks) {
			source = local.Fields
		}
		for _, name := range group.Fields {
			grouped[name] = struct{}{}
			if value, ok := source[name]; ok {
				fields[name] = value
			}
		}
	}

	for name, value := range local.Fields {
		if _, ok := grouped[name]; !ok {
			fields[name] = value
		}
	}
	for name, value := range remote.Fields {
		if _, ok := grouped[name]; !ok {
			fields[name] = value
		}
	}

	for _, name := range policy.Monotonic {
		localValue, localOK := local.Fields.Int64(name)
		remoteValue, remoteOK := remote.Fields.Int64(name)
		switch {
		case localOK && (!remoteOK || localValue > remoteValue):
			fields[name] = localValue
		case remoteOK:
			fields[name] = remoteValue
		}
	}

	merged.Fields = fields
	return merged
}

func localWins(local, remote records.Fields, clocks []string) bool {
	localClock, localOK := groupClock(local, clocks)
	if !localOK {
		return false
	}
	remoteClock, remoteOK := groupClock(remote, clocks)
	if !remoteOK {
		return true
	}
	return localClock > remoteClock
}

func groupClock(fields records.Fields, clocks []string) (int64, bool) {
	var latest int64
	found := false
	for _, name := range clocks {
		value, ok := fields.Int64(name)
		if ok && (!found || value > latest) {
			latest, found = value, true
		}
	}
	return latest, found
}

// Changed reports whether the merge kept anything from local that remote lacks,
// i.e. whether the merged record must be written back.
func Changed(merged, remote records.Record) bool {
	if len(merged.Fields) != len(remote.Fields) {
		return true
	}
	for name, value := range merged.Fields {
		other, ok := remote.Fields[name]
		if !ok || !sameValue(value, other) {
			return true
		}
	}
	return false
}

func sameValue(left, right any) bool {
	leftNumber, leftIsNumber := records.Fields{"v": left}.Int64("v")
	rightNumber, rightIsNumber := records.Fields{"v": right}.Int64("v")
	if leftIsNumber && rightIsNumber {
		return leftNumber == rightNumber
	}
	switch leftTyped := left.(type) {
	case string:
		rightTyped, ok := right.(string)
		return ok && leftTyped == rightTyped
	case bool:
		rightTyped, ok := right.(bool)
		return ok && leftTyped == rightTyped
	case nil:
		return right == nil
	default:
		return false
	}
}
