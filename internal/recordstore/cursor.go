package recordstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

var errMalformedCursor = errors.New("malformed cursor")

type partitionCursor struct {
	AreaUID  string `json:"a"`
	Sequence int64  `json:"s"`
}

type scopeCursor struct {
	UserID   string `json:"u"`
	Scope    string `json:"c"`
	Epoch    int64  `json:"e"`
	Sequence int64  `json:"s"`
}

func encodeCursor(value any) records.Cursor {
	payload, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return records.Cursor(base64.RawURLEncoding.EncodeToString(payload))
}

func decodeCursor(cursor records.Cursor, target any) error {
	payload, err := base64.RawURLEncoding.DecodeString(string(cursor))
	if err != nil {
		return errMalformedCursor
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return errMalformedCursor
	}
	return nil
}
