package profiles

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

// ShapeCount is the number of avatar shapes a participant can be assigned.
const ShapeCount = 8

const maxDisplayNameLength = 80

var errMissingCollaborator = errors.New("profiles: store and resolver are required")

// ShapeIndex derives a stable shape from the user id so every device agrees without coordination.
func ShapeIndex(userID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return int(hasher.Sum32() % ShapeCount)
}

// Decode converts a profile record. The user id comes from the field or, failing that, the record name.
func Decode(record records.Record) (mirror.Profile, bool) {
	userID, ok := record.Fields.String(records.FieldUserID)
	if !ok || userID == "" {
		userID, ok = strings.CutPrefix(record.Name, records.ProfileRecordName(""))
		if !ok || userID == "" {
			return mirror.Profile{}, false
		}
	}
	displayName, _ := record.Fields.String(records.FieldDisplayName)
	avatar, _ := record.Fields.String(records.FieldAvatar)
	updatedAt, _ := record.Fields.Int64(records.FieldUpdatedAt)
	return mirror.Profile{
		UserID:          userID,
		DisplayName:     displayName,
		Avatar:          avatar,
		ShapeIndex:      ShapeIndex(userID),
		UpdatedAtMillis: updatedAt,
	}, true
}

type Config struct {
	Store    records.Store
	Resolver *partitions.Resolver
	Mirror   *mirror.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Publisher writes the local participant's profile into rooms.
type Publisher struct {
	store    records.Store
	resolver *partitions.Resolver
	mirror   *mirror.Store
	clock    func() time.Time
	logger   *zap.Logger
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Store == nil || cfg.Resolver == nil {
		return nil, errMissingCollaborator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: cfg.Store, resolver: cfg.Resolver, mirror: cfg.Mirror, clock: clock, logger: logger}, nil
}

// Publish overwrites the caller's profile record in the room partition and mirrors it locally.
func (p *Publisher) Publish(ctx context.Context, roomID, displayName, avatar string) (mirror.Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if len(displayName) > maxDisplayNameLength {
		displayName = displayName[:maxDisplayNameLength]
	}
	resolution, err := p.resolver.Resolve(ctx, roomID)
	if err != nil {
		return mirror.Profile{}, err
	}
	userID := p.store.Identity()
	record := records.Record{
		Type:      records.TypeProfile,
		Name:      records.ProfileRecordName(userID),
		Partition: resolution.Partition,
		Fields: records.Fields{
			records.FieldUserID:      userID,
			records.FieldDisplayName: displayName,
			records.FieldAvatar:      strings.TrimSpace(avatar),
			records.FieldUpdatedAt:   p.clock().UTC().UnixMilli(),
		},
	}
	saved, err := p.store.SaveRecord(ctx, resolution.Scope, record)
	if err != nil {
		p.logger.Error("profile publish failed", zap.String("room_id", resolution.RoomID), zap.Error(err))
		return mirror.Profile{}, fmt.Errorf("profiles: publish: %w", err)
	}
	profile, _ := Decode(saved)
	if p.mirror != nil {
		if err := p.mirror.Apply(ctx, mirror.Batch{UpsertProfiles: []mirror.Profile{profile}}); err != nil {
			return mirror.Profile{}, err
		}
	}
	return profile, nil
}
