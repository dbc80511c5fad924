package conversation

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the record store. Every lookup carries an explicit deleted filter.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a Repo bound to a single transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) EnsureOwner(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Owner{UserID: userID}).Error
}

func (r *Repo) GetOwner(ctx context.Context, userID string) (*Owner, error) {
	var o Owner
	if err := r.db.WithContext(ctx).First(&o, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// LockOwner takes a row lock on the owner for the rest of the transaction.
// SQLite has no row locks; its single writer gives the same guarantee.
func (r *Repo) LockOwner(ctx context.Context, userID string) (*Owner, error) {
	var o Owner
	if err := r.ownerForUpdate(ctx, userID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) ownerForUpdate(ctx context.Context, userID string) *gorm.DB {
	return r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID)
}

func (r *Repo) Insert(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// Get returns the record with this id whose deleted flag equals deleted.
func (r *Repo) Get(ctx context.Context, id string, deleted bool) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND deleted = ?", id, deleted).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindLiveByDigest returns the oldest live record of owner with this digest.
func (r *Repo) FindLiveByDigest(ctx context.Context, ownerID, digest string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND digest = ? AND deleted = ?", ownerID, digest, false).
		Order("created_at ASC").
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CountLive(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("owner_id = ? AND deleted = ?", ownerID, false).
		Count(&n).Error
	return n, err
}

// UpdateFields updates the record only if it still belongs to ownerID and is
// still in the expected deleted state. It returns the number of rows changed.
func (r *Repo) UpdateFields(ctx context.Context, id, ownerID string, deleted bool, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND owner_id = ? AND deleted = ?", id, ownerID, deleted).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// List returns owner's records in DESC id order (newest -> oldest).
func (r *Repo) List(ctx context.Context, ownerID string, deleted bool, limit int, beforeID string) ([]Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("owner_id = ? AND deleted = ?", ownerID, deleted).
		Order("id DESC").
		Limit(limit)
	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var out []Conversation
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
