// Package remote implements records.Store against the record store HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 2
	defaultRetryDelay     = 250 * time.Millisecond
	maxResponseBytes      = 8 << 20
)

var (
	ErrMissingBaseURL = errors.New("remote: base url is required")
	ErrMissingToken   = errors.New("remote: access token is required")
	ErrTokenSubject   = errors.New("remote: access token carries no subject")
)

var _ records.Store = (*Client)(nil)

type Config struct {
	BaseURL string
	Token   string
	// HTTPClient performs unary calls. Nil uses a client without a global timeout.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// MaxRetries bounds extra attempts for transient failures of idempotent calls.
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Client is a records.Store bound to the identity in its access token.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	token  string
	userID string
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	client := &Client{
		baseURL:        baseURL,
		httpClient:     cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		logger:         cfg.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.requestTimeout <= 0 {
		client.requestTimeout = defaultRequestTimeout
	}
	if client.maxRetries < 0 {
		client.maxRetries = 0
	} else if cfg.MaxRetries == 0 {
		client.maxRetries = defaultMaxRetries
	}
	if client.retryDelay <= 0 {
		client.retryDelay = defaultRetryDelay
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	if err := client.SetToken(cfg.Token); err != nil {
		return nil, err
	}
	return client, nil
}

// SetToken swaps the access token. The subject must stay the same identity.
func (c *Client) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	subject, err := tokenSubject(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" && c.userID != subject {
		return fmt.Errorf("remote: token subject %q does not match %q", subject, c.userID)
	}
	c.token = token
	c.userID = subject
	return nil
}

// tokenSubject reads the subject without verifying the signature; the server verifies it.
func tokenSubject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("remote: parse access token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrTokenSubject
	}
	return claims.Subject, nil
}

func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// call posts payload to path and decodes the success body into target.
func (c *Client) call(ctx context.Context, op, path string, payload, target any, idempotent bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return records.NewError(records.KindInvalid, op, err)
	}
	attempts := 1
	if idempotent {
		attempts += c.maxRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay << (attempt - 1)
			c.logger.Debug("retrying transient failure",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = c.do(ctx, op, path, body, target)
		if lastErr == nil || !records.IsKind(lastErr, records.KindTransient) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, op, path string, body []byte, target any) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return records.NewError(records.KindInvalid, op, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.accessToken())

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return records.NewError(records.KindTransient, op, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return records.NewError(records.KindTransient, op, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if target == nil || len(raw) == 0 {
			return nil
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(target); err != nil {
			return records.NewError(records.KindTransient, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var failure wire.ErrorBody
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&failure); err != nil {
		failure = wire.ErrorBody{Error: strings.TrimSpace(string(raw))}
	}
	if failure.Error == "" {
		failure.Error = response.Status
	}
	failure.Op = op
	return wire.ErrorFromBody(response.StatusCode, failure)
}

func (c *Client) CreatePartition(ctx context.Context, name string) (records.PartitionRef, error) {
	var ref records.PartitionRef
	err := c.call(ctx, "remote.create_partition", wire.PathPartitions, wire.PartitionRequest{Name: name}, &ref, false)
	return ref, err
}

func (c *Client) DeletePartition(ctx context.Context, ref records.PartitionRef) error {
	return c.call(ctx, "remote.delete_partition", wire.PathPartitionsDelete, wire.PartitionRequest{Partition: ref}, nil, true)
}

func (c *Client) LeavePartition(ctx context.Context, ref records.PartitionRef) error {
	return c.call(ctx, "remote.leave_partition", wire.PathPartitionsLeave, wire.PartitionRequest{Partition: ref}, nil, true)
}

func (c *Client) FindPartition(ctx context.Context, scope records.Scope, name string) (records.PartitionRef, error) {
	var ref records.PartitionRef
	err := c.call(ctx, "remote.find_partition", wire.PathPartitionsFind, wire.PartitionRequest{Scope: scope, Name: name}, &ref, true)
	return ref, err
}

func (c *Client) ListPartitions(ctx context.Context, scope records.Scope) ([]records.PartitionRef, error) {
	var response wire.PartitionsResponse
	err := c.call(ctx, "remote.list_partitions", wire.PathPartitionsList, wire.PartitionRequest{Scope: scope}, &response, true)
	return response.Partitions, err
}

// SaveRecord retries transient failures. A retried create that already landed
// fails with KindAlreadyExists carrying the stored copy.
func (c *Client) SaveRecord(ctx context.Context, scope records.Scope, record records.Record) (records.Record, error) {
	var saved records.Record
	err := c.call(ctx, "remote.save_record", wire.PathRecordsSave, wire.RecordRequest{Scope: scope, Record: record}, &saved, true)
	return saved, err
}

func (c *Client) FetchRecord(ctx context.Context, scope records.Scope, ref records.PartitionRef, key records.RecordKey) (records.Record, error) {
	var record records.Record
	err := c.call(ctx, "remote.fetch_record", wire.PathRecordsFetch, wire.RecordRequest{Scope: scope, Partition: ref, Key: key}, &record, true)
	return record, err
}

func (c *Client) DeleteRecord(ctx context.Context, scope records.Scope, ref records.PartitionRef, key records.RecordKey) error {
	return c.call(ctx, "remote.delete_record", wire.PathRecordsDelete, wire.RecordRequest{Scope: scope, Partition: ref, Key: key}, nil, true)
}

func (c *Client) QueryRecords(ctx context.Context, scope records.Scope, ref records.PartitionRef, query records.Query) ([]records.Record, error) {
	var response wire.RecordsResponse
	err := c.call(ctx, "remote.query_records", wire.PathRecordsQuery, wire.RecordRequest{Scope: scope, Partition: ref, Query: query}, &response, true)
	return response.Records, err
}

func (c *Client) FetchScopeChanges(ctx context.Context, scope records.Scope, cursor records.Cursor) (records.ScopeChanges, error) {
	var changes records.ScopeChanges
	err := c.call(ctx, "remote.fetch_scope_changes", wire.PathScopeChanges, wire.ChangesRequest{Scope: scope, Cursor: cursor}, &changes, true)
	return changes, err
}

func (c *Client) FetchPartitionChanges(ctx context.Context, scope records.Scope, ref records.PartitionRef, cursor records.Cursor, options records.FetchOptions) (records.PartitionChanges, error) {
	var changes records.PartitionChanges
	request := wire.ChangesRequest{Scope: scope, Partition: ref, Cursor: cursor, Options: options}
	err := c.call(ctx, "remote.fetch_partition_changes", wire.PathPartitionChanges, request, &changes, true)
	return changes, err
}

func (c *Client) CreateSubscription(ctx context.Context, subscription records.Subscription) (records.Subscription, error) {
	var created records.Subscription
	err := c.call(ctx, "remote.create_subscription", wire.PathSubscriptions, wire.SubscriptionRequest{Subscription: subscription}, &created, true)
	return created, err
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.call(ctx, "remote.delete_subscription", wire.PathSubscriptionsDelete, wire.SubscriptionRequest{ID: id}, nil, true)
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]records.Subscription, error) {
	var response wire.SubscriptionsResponse
	err := c.call(ctx, "remote.list_subscriptions", wire.PathSubscriptionsList, struct{}{}, &response, true)
	return response.Subscriptions, err
}

func (c *Client) LookupParticipant(ctx context.Context, reference records.IdentityReference) (records.ParticipantHandle, error) {
	var handle records.ParticipantHandle
	err := c.call(ctx, "remote.lookup_participant", wire.PathParticipantsLookup, wire.LookupRequest{Reference: reference}, &handle, true)
	return handle, err
}

func (c *Client) GrantAccess(ctx context.Context, ref records.PartitionRef, participant records.ParticipantHandle) error {
	return c.call(ctx, "remote.grant_access", wire.PathGrants, wire.GrantRequest{Partition: ref, Participant: participant}, nil, true)
}

func (c *Client) AcceptGrant(ctx context.Context, ref records.PartitionRef) error {
	return c.call(ctx, "remote.accept_grant", wire.PathGrantsAccept, wire.GrantRequest{Partition: ref}, nil, true)
}

func (c *Client) ListGrants(ctx context.Context, ref records.PartitionRef) ([]records.Grant, error) {
	var response wire.GrantsResponse
	err := c.call(ctx, "remote.list_grants", wire.PathGrantsList, wire.GrantRequest{Partition: ref}, &response, true)
	return response.Grants, err
}
