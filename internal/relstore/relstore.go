// Package relstore is the relational-store collaborator: durable
// vote/report resource metadata, the legal-vote protocol mirror, and
// the access-control grants the vote resource carries. The signaling
// core treats it as an external system; only this narrow surface is
// modeled.
package relstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Permission is one access right on a stored resource.
type Permission string

const (
	PermGet    Permission = "get"
	PermPut    Permission = "put"
	PermDelete Permission = "delete"
)

// VoteRecord is the durable mirror of one legal vote.
type VoteRecord struct {
	Id        string `gorm:"primaryKey"`
	RoomId    string `gorm:"index"`
	TenantId  string
	Initiator string
	// Protocol is the JSON array of protocol entries, appended to by
	// JSON patch as the vote progresses.
	Protocol  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResourceGrant is one (resource, user, permission) access triple.
type ResourceGrant struct {
	Id         uint   `gorm:"primaryKey;autoIncrement"`
	ResourceId string `gorm:"index:idx_grant,unique"`
	UserId     string `gorm:"index:idx_grant,unique"`
	Permission string `gorm:"index:idx_grant,unique"`
	CreatedAt  time.Time
}

// AssetRecord references a persisted object-store artifact.
type AssetRecord struct {
	Id         string `gorm:"primaryKey"`
	ResourceId string `gorm:"index"`
	Filename   string
	Kind       string // "legal_vote_protocol" | "training_report"
	CreatedAt  time.Time
}

// Store wraps the gorm handle plus per-vote serialization of the
// protocol mirror: each vote id gets its own mutex, held by
// AppendProtocol around its load-merge-update of the stored protocol.
type Store struct {
	db        *gorm.DB
	voteLocks sync.Map // vote id -> *sync.Mutex
}

// Open connects to the sqlite DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("relstore: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&VoteRecord{}, &ResourceGrant{}, &AssetRecord{}); err != nil {
		return nil, fmt.Errorf("relstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) voteLock(voteId string) *sync.Mutex {
	mu, _ := s.voteLocks.LoadOrStore(voteId, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateVote inserts the durable record for a started vote with an
// empty protocol.
func (s *Store) CreateVote(ctx context.Context, voteId, roomId, tenantId, initiator string) error {
	rec := VoteRecord{
		Id:        voteId,
		RoomId:    roomId,
		TenantId:  tenantId,
		Initiator: initiator,
		Protocol:  "[]",
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("relstore: create vote %s: %w", voteId, err)
	}
	return nil
}

// AppendProtocol mirrors new protocol entries onto the vote resource as
// a JSON append patch, serialized per vote id.
func (s *Store) AppendProtocol(ctx context.Context, voteId string, entries []json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	mu := s.voteLock(voteId)
	mu.Lock()
	defer mu.Unlock()

	var rec VoteRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", voteId).Error; err != nil {
		return fmt.Errorf("relstore: load vote %s: %w", voteId, err)
	}

	var existing []json.RawMessage
	if err := json.Unmarshal([]byte(rec.Protocol), &existing); err != nil {
		return fmt.Errorf("relstore: corrupt protocol mirror for vote %s: %w", voteId, err)
	}
	existing = append(existing, entries...)
	merged, err := json.Marshal(existing)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Model(&VoteRecord{}).
		Where("id = ?", voteId).
		Update("protocol", string(merged)).Error
	if err != nil {
		return fmt.Errorf("relstore: append protocol for vote %s: %w", voteId, err)
	}
	return nil
}

// Protocol reads back the mirrored protocol entries.
func (s *Store) Protocol(ctx context.Context, voteId string) ([]json.RawMessage, error) {
	var rec VoteRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", voteId).Error; err != nil {
		return nil, fmt.Errorf("relstore: load vote %s: %w", voteId, err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(rec.Protocol), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Grant records permissions on a resource for each user. Duplicate
// grants are ignored.
func (s *Store) Grant(ctx context.Context, resourceId string, userIds []string, perms []Permission) error {
	for _, uid := range userIds {
		for _, p := range perms {
			grant := ResourceGrant{ResourceId: resourceId, UserId: uid, Permission: string(p)}
			err := s.db.WithContext(ctx).
				Where(ResourceGrant{ResourceId: resourceId, UserId: uid, Permission: string(p)}).
				FirstOrCreate(&grant).Error
			if err != nil {
				return fmt.Errorf("relstore: grant %s/%s on %s: %w", uid, p, resourceId, err)
			}
		}
	}
	return nil
}

// HasPermission reports whether userId holds perm on resourceId.
func (s *Store) HasPermission(ctx context.Context, resourceId, userId string, perm Permission) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ResourceGrant{}).
		Where("resource_id = ? AND user_id = ? AND permission = ?", resourceId, userId, string(perm)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveAsset records an object-store artifact reference against its
// owning resource.
func (s *Store) SaveAsset(ctx context.Context, assetId, resourceId, filename, kind string) error {
	rec := AssetRecord{Id: assetId, ResourceId: resourceId, Filename: filename, Kind: kind}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("relstore: save asset %s: %w", assetId, err)
	}
	return nil
}
