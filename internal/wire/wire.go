// Package wire holds the HTTP payloads exchanged between the record store server and remote clients.
package wire

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

// Route paths relative to the server root.
const (
	PathToken               = "/auth/token"
	PathHealth              = "/healthz"
	PathPartitions          = "/v1/partitions"
	PathPartitionsList      = "/v1/partitions/list"
	PathPartitionsFind      = "/v1/partitions/find"
	PathPartitionsDelete    = "/v1/partitions/delete"
	PathPartitionsLeave     = "/v1/partitions/leave"
	PathRecordsSave         = "/v1/records/save"
	PathRecordsFetch        = "/v1/records/fetch"
	PathRecordsDelete       = "/v1/records/delete"
	PathRecordsQuery        = "/v1/records/query"
	PathScopeChanges        = "/v1/changes/scope"
	PathPartitionChanges    = "/v1/changes/partition"
	PathSubscriptions       = "/v1/subscriptions"
	PathSubscriptionsList   = "/v1/subscriptions/list"
	PathSubscriptionsDelete = "/v1/subscriptions/delete"
	PathParticipantsLookup  = "/v1/participants/lookup"
	PathGrants              = "/v1/grants"
	PathGrantsAccept        = "/v1/grants/accept"
	PathGrantsList          = "/v1/grants/list"
	PathNotificationsStream = "/v1/notifications/stream"
)

// HeaderBootstrapSecret guards dev token issuance.
const HeaderBootstrapSecret = "X-Parley-Bootstrap-Secret"

// Server-sent event names on the notification stream.
const (
	EventNotification = "notification"
	EventHeartbeat    = "heartbeat"
)

type TokenRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type PartitionRequest struct {
	Scope     records.Scope        `json:"scope,omitempty"`
	Name      string               `json:"name,omitempty"`
	Partition records.PartitionRef `json:"partition"`
}

type PartitionsResponse struct {
	Partitions []records.PartitionRef `json:"partitions"`
}

type RecordRequest struct {
	Scope     records.Scope        `json:"scope"`
	Partition records.PartitionRef `json:"partition"`
	Key       records.RecordKey    `json:"key"`
	Record    records.Record       `json:"record"`
	Query     records.Query        `json:"query"`
}

type RecordsResponse struct {
	Records []records.Record `json:"records"`
}

type ChangesRequest struct {
	Scope     records.Scope        `json:"scope"`
	Partition records.PartitionRef `json:"partition"`
	Cursor    records.Cursor       `json:"cursor"`
	Options   records.FetchOptions `json:"options"`
}

type SubscriptionRequest struct {
	Subscription records.Subscription `json:"subscription"`
	ID           string               `json:"id,omitempty"`
}

type SubscriptionsResponse struct {
	Subscriptions []records.Subscription `json:"subscriptions"`
}

type LookupRequest struct {
	Reference records.IdentityReference `json:"reference"`
}

type GrantRequest struct {
	Partition   records.PartitionRef      `json:"partition"`
	Participant records.ParticipantHandle `json:"participant"`
}

type GrantsResponse struct {
	Grants []records.Grant `json:"grants"`
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error   string          `json:"error"`
	Kind    records.Kind    `json:"kind,omitempty"`
	Op      string          `json:"op,omitempty"`
	Hint    string          `json:"hint,omitempty"`
	Current *records.Record `json:"current,omitempty"`
}

// StatusForKind maps a failure kind to its HTTP status.
func StatusForKind(kind records.Kind) int {
	switch kind {
	case records.KindTransient:
		return http.StatusServiceUnavailable
	case records.KindAuthRequired:
		return http.StatusUnauthorized
	case records.KindCursorExpired:
		return http.StatusGone
	case records.KindPartitionNotFound, records.KindNotFound:
		return http.StatusNotFound
	case records.KindPermissionDenied:
		return http.StatusForbidden
	case records.KindConflict, records.KindAlreadyExists:
		return http.StatusConflict
	case records.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// BodyFromError renders err for the wire.
func BodyFromError(err error) ErrorBody {
	kind := records.KindOf(err)
	body := ErrorBody{Error: err.Error(), Kind: kind}
	var typed *records.Error
	if errors.As(err, &typed) {
		body.Op = typed.Op
		body.Hint = typed.Hint
		if typed.Current != nil {
			current := typed.Current.Clone()
			body.Current = &current
		}
	}
	return body
}

// ErrorFromBody rebuilds a typed error from a failed response. Untyped server
// failures, throttling and gateway errors are transient.
func ErrorFromBody(status int, body ErrorBody) error {
	kind := body.Kind
	if kind == "" {
		switch {
		case status == http.StatusUnauthorized:
			kind = records.KindAuthRequired
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			kind = records.KindTransient
		case status == http.StatusNotFound:
			kind = records.KindNotFound
		case status == http.StatusForbidden:
			kind = records.KindPermissionDenied
		default:
			kind = records.KindInvalid
		}
	}
	typed := &records.Error{Kind: kind, Op: body.Op, Hint: body.Hint, Current: body.Current}
	if body.Error != "" {
		typed.Err = remoteError(body.Error)
	}
	return typed
}

type remoteError string

func (e remoteError) Error() string {
	return string(e)
}
