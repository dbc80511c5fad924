// Package research keeps a copy of every live conversation whose owner
// opted in to research use. The worker feeds it lifecycle events.
package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/convoshare/internal/conversation"
	"github.com/suPer8Hu/convoshare/internal/events"
)

type Sample struct {
	ConversationID string         `gorm:"primaryKey;type:varchar(26)" json:"conversation_id"`
	OwnerID        string         `gorm:"type:varchar(255);not null;index" json:"-"`
	Digest         string         `gorm:"type:varchar(64);not null" json:"digest"`
	Title          string         `gorm:"type:varchar(512)" json:"title"`
	Model          string         `gorm:"type:varchar(128)" json:"model"`
	Contents       datatypes.JSON `gorm:"not null" json:"contents"`
	ExportedAt     time.Time      `json:"exported_at"`
}

func (Sample) TableName() string { return "research_samples" }

// Source reads live conversations.
type Source interface {
	Read(ctx context.Context, id string, includeDeleted bool) (*conversation.Conversation, error)
}

type Exporter struct {
	db  *gorm.DB
	src Source
	log *zap.Logger
	now func() time.Time
}

func NewExporter(db *gorm.DB, src Source, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{db: db, src: src, log: log, now: time.Now}
}

// Apply brings the sample for ev.ConversationID in line with the current
// record. It re-reads the record instead of trusting the event, so replays
// and out-of-order deliveries converge on the same state.
func (e *Exporter) Apply(ctx context.Context, ev events.Event) error {
	if ev.ConversationID == "" {
		return errors.New("research: event without conversation id")
	}

	switch ev.Type {
	case events.ConversationDeleted:
		return e.remove(ctx, ev.ConversationID)
	case events.ConversationCreated, events.ConversationPatched, events.ConversationUndeleted:
	default:
		e.log.Debug("ignoring event", zap.String("type", string(ev.Type)))
		return nil
	}

	rec, err := e.src.Read(ctx, ev.ConversationID, false)
	if errors.Is(err, conversation.ErrNotFound) {
		return e.remove(ctx, ev.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("research: read %s: %w", ev.ConversationID, err)
	}
	if !rec.Research {
		return e.remove(ctx, rec.ID)
	}
	return e.upsert(ctx, rec)
}

func (e *Exporter) upsert(ctx context.Context, c *conversation.Conversation) error {
	s := Sample{
		ConversationID: c.ID,
		OwnerID:        c.OwnerID,
		Digest:         c.Digest,
		Title:          c.Metadata.Title,
		Model:          c.Metadata.Model,
		Contents:       c.Contents,
		ExportedAt:     e.now().UTC(),
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"digest", "title", "model", "contents", "exported_at"}),
		}).
		Create(&s).Error
	if err != nil {
		return fmt.Errorf("research: upsert %s: %w", c.ID, err)
	}
	return nil
}

func (e *Exporter) remove(ctx context.Context, id string) error {
	if err := e.db.WithContext(ctx).Delete(&Sample{}, "conversation_id = ?", id).Error; err != nil {
		return fmt.Errorf("research: remove %s: %w", id, err)
	}
	return nil
}

// Count reports how many samples are exported.
func (e *Exporter) Count(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&Sample{}).Count(&n).Error
	return n, err
}
