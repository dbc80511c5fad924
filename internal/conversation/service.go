package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/convoshare/internal/events"
)

var (
	ErrNotFound      = errors.New("conversation: not found")
	ErrForbidden     = errors.New("conversation: not owner")
	ErrQuotaExceeded = errors.New("conversation: free quota exceeded")
	ErrInvalidInput  = errors.New("conversation: invalid input")
)

const (
	maxTitleLen = 512
	maxFieldLen = 128
)

// CreateInput is one upload. Paid is the caller's entitlement; see Service.Account.
type CreateInput struct {
	Owner    string
	Contents Contents
	Metadata Metadata
	Public   bool
	Research bool
	Paid     bool
}

// Service enforces digest de-duplication, the free quota and the
// live/deleted lifecycle on top of Repo.
type Service struct {
	repo      *Repo
	freeLimit int
	events    events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo *Repo, freeLimit int, opts ...Option) *Service {
	if freeLimit < 0 {
		freeLimit = 0
	}
	s := &Service{
		repo:      repo,
		freeLimit: freeLimit,
		events:    events.Nop{},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a conversation and returns its id. If the owner already has
// a live conversation with the same digest, that id is returned and created
// is false. The dedupe check, the quota count and the insert run in one
// transaction holding the owner's row lock, so concurrent creates by one
// owner cannot overshoot the quota.
func (s *Service) Create(ctx context.Context, in CreateInput) (id string, created bool, err error) {
	if strings.TrimSpace(in.Owner) == "" {
		return "", false, fmt.Errorf("%w: owner required", ErrInvalidInput)
	}
	contents, meta, err := normalize(in.Contents, in.Metadata)
	if err != nil {
		return "", false, err
	}
	digest := Digest(in.Owner, contents, meta)
	body, err := json.Marshal(contents)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var rec *Conversation
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		if err := tx.EnsureOwner(ctx, in.Owner); err != nil {
			return fmt.Errorf("conversation: ensure owner: %w", err)
		}
		if _, err := tx.LockOwner(ctx, in.Owner); err != nil {
			return fmt.Errorf("conversation: lock owner: %w", err)
		}

		existing, err := tx.FindLiveByDigest(ctx, in.Owner, digest)
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("conversation: find by digest: %w", err)
		}

		if !in.Paid {
			n, err := tx.CountLive(ctx, in.Owner)
			if err != nil {
				return fmt.Errorf("conversation: count live: %w", err)
			}
			if n >= int64(s.freeLimit) {
				return ErrQuotaExceeded
			}
		}

		newID, err := NewID()
		if err != nil {
			return fmt.Errorf("conversation: new id: %w", err)
		}
		meta.CreationTime = s.now().UTC()
		rec = &Conversation{
			ID:       newID,
			OwnerID:  in.Owner,
			Digest:   digest,
			Contents: body,
			Metadata: meta,
			Public:   in.Public,
			Research: in.Research,
		}
		if err := tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("conversation: insert: %w", err)
		}
		id = newID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if created {
		s.publish(ctx, events.ConversationCreated, rec)
	}
	return id, created, nil
}

// Read returns the record whose deleted flag equals includeDeleted: default
// reads never see soft-deleted rows, and includeDeleted reads see only them.
func (s *Service) Read(ctx context.Context, id string, includeDeleted bool) (*Conversation, error) {
	c, err := s.repo.Get(ctx, id, includeDeleted)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: read: %w", err)
	}
	return c, nil
}

// Patch replaces contents and metadata of a live record and recomputes its
// digest. Creation time is preserved.
func (s *Service) Patch(ctx context.Context, id, owner string, contents Contents, meta Metadata) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != owner {
		return ErrForbidden
	}
	if rec.Deleted {
		return ErrNotFound
	}

	contents, meta, err = normalize(contents, meta)
	if err != nil {
		return err
	}
	body, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	digest := Digest(owner, contents, meta)

	n, err := s.repo.UpdateFields(ctx, id, owner, false, map[string]any{
		"digest":         digest,
		"contents":       body,
		"meta_title":     meta.Title,
		"meta_model":     meta.Model,
		"meta_source_id": meta.SourceID,
		"meta_length":    meta.Length,
	})
	if err != nil {
		return fmt.Errorf("conversation: patch: %w", err)
	}
	if n == 0 {
		// deleted between lookup and update
		return ErrNotFound
	}

	rec.Digest = digest
	s.publish(ctx, events.ConversationPatched, rec)
	return nil
}

func (s *Service) Delete(ctx context.Context, id, owner string) error {
	return s.SetDeleted(ctx, id, owner, true)
}

func (s *Service) Undelete(ctx context.Context, id, owner string) error {
	return s.SetDeleted(ctx, id, owner, false)
}

// SetDeleted moves a record Live -> Deleted (deleted=true) or
// Deleted -> Live (deleted=false). Ownership is checked before state, so a
// non-owner always gets ErrForbidden; a record already in the target state
// is ErrNotFound.
func (s *Service) SetDeleted(ctx context.Context, id, owner string, deleted bool) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != owner {
		return ErrForbidden
	}
	if rec.Deleted == deleted {
		return ErrNotFound
	}

	n, err := s.repo.UpdateFields(ctx, id, owner, !deleted, map[string]any{"deleted": deleted})
	if err != nil {
		return fmt.Errorf("conversation: set deleted: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	rec.Deleted = deleted
	typ := events.ConversationUndeleted
	if deleted {
		typ = events.ConversationDeleted
	}
	s.publish(ctx, typ, rec)
	return nil
}

// List pages through owner's live (or, with deleted, soft-deleted) records.
func (s *Service) List(ctx context.Context, owner string, deleted bool, limit int, beforeID string) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	out, err := s.repo.List(ctx, owner, deleted, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return out, nil
}

// EnsureOwner registers a subject on first login. It is idempotent.
func (s *Service) EnsureOwner(ctx context.Context, owner string) error {
	if err := s.repo.EnsureOwner(ctx, owner); err != nil {
		return fmt.Errorf("conversation: ensure owner: %w", err)
	}
	return nil
}

// Account reports the owner's entitlement and live count. Unknown owners are unpaid.
func (s *Service) Account(ctx context.Context, owner string) (Account, error) {
	acct := Account{Subject: owner, FreeLimit: s.freeLimit}

	o, err := s.repo.GetOwner(ctx, owner)
	switch {
	case err == nil:
		acct.Paid = o.Paid
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return Account{}, fmt.Errorf("conversation: get owner: %w", err)
	}

	n, err := s.repo.CountLive(ctx, owner)
	if err != nil {
		return Account{}, fmt.Errorf("conversation: count live: %w", err)
	}
	acct.Live = n
	return acct, nil
}

// lookup finds a record in either state with two filtered queries.
func (s *Service) lookup(ctx context.Context, id string) (*Conversation, error) {
	for _, deleted := range []bool{false, true} {
		c, err := s.repo.Get(ctx, id, deleted)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation: lookup: %w", err)
		}
	}
	return nil, ErrNotFound
}

func (s *Service) publish(ctx context.Context, typ events.Type, c *Conversation) {
	ev := events.Event{
		Type:           typ,
		ConversationID: c.ID,
		OwnerID:        c.OwnerID,
		Digest:         c.Digest,
		Public:         c.Public,
		Research:       c.Research,
		At:             s.now().UTC(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		// the write already committed; consumers reconcile from the table
		s.log.Warn("publish event failed",
			zap.String("type", string(typ)),
			zap.String("conversation_id", c.ID),
			zap.Error(err),
		)
	}
}

func normalize(c Contents, m Metadata) (Contents, Metadata, error) {
	if len(c.Dialog) == 0 {
		return Contents{}, Metadata{}, fmt.Errorf("%w: dialog is empty", ErrInvalidInput)
	}
	for i, t := range c.Dialog {
		if t.Who != "human" && t.Who != "gpt" {
			return Contents{}, Metadata{}, fmt.Errorf("%w: dialog[%d].who must be human or gpt", ErrInvalidInput, i)
		}
	}

	m.Title = strings.TrimSpace(m.Title)
	m.Model = strings.TrimSpace(m.Model)
	m.SourceID = strings.TrimSpace(m.SourceID)
	if utf8.RuneCountInString(m.Title) > maxTitleLen {
		return Contents{}, Metadata{}, fmt.Errorf("%w: title too long", ErrInvalidInput)
	}
	if len(m.Model) > maxFieldLen || len(m.SourceID) > maxFieldLen {
		return Contents{}, Metadata{}, fmt.Errorf("%w: metadata field too long", ErrInvalidInput)
	}
	m.Length = len(c.Dialog)
	m.CreationTime = time.Time{}
	return c, m, nil
}
