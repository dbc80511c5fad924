package conversation

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Turn is one utterance. Who is "human" or "gpt".
type Turn struct {
	Who  string `json:"who"`
	What string `json:"what"`
}

type Contents struct {
	Avatar string `json:"avatar,omitempty"`
	Dialog []Turn `json:"dialog"`
}

type Metadata struct {
	Title        string    `gorm:"type:varchar(512)" json:"title"`
	Model        string    `gorm:"type:varchar(128)" json:"model"`
	SourceID     string    `gorm:"type:varchar(128)" json:"source_id"`
	CreationTime time.Time `json:"creation_time"`
	Length       int       `json:"length"`
}

type Conversation struct {
	ID       string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	OwnerID  string         `gorm:"type:varchar(255);not null;index:idx_conv_owner_digest,priority:1;index:idx_conv_owner_deleted,priority:1" json:"-"`
	Digest   string         `gorm:"type:varchar(64);not null;index:idx_conv_owner_digest,priority:2" json:"digest"`
	Contents datatypes.JSON `gorm:"not null" json:"contents"`
	Metadata Metadata       `gorm:"embedded;embeddedPrefix:meta_" json:"metadata"`
	Public   bool           `gorm:"not null" json:"public"`
	Research bool           `gorm:"not null" json:"research"`
	Deleted  bool           `gorm:"not null;index:idx_conv_owner_deleted,priority:2" json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// DecodeContents parses the stored dialog.
func (c *Conversation) DecodeContents() (Contents, error) {
	var out Contents
	err := json.Unmarshal(c.Contents, &out)
	return out, err
}

// Owner is a subject known to the service. Paid owners are exempt from the
// free quota. The row also serialises concurrent creates by the same owner.
type Owner struct {
	UserID    string    `gorm:"primaryKey;type:varchar(255)" json:"user_id"`
	Paid      bool      `gorm:"not null" json:"paid"`
	CreatedAt time.Time `json:"created_at"`
}

func (Owner) TableName() string { return "owners" }

// Account is the quota view of an owner.
type Account struct {
	Subject   string `json:"subject"`
	Paid      bool   `json:"paid"`
	Live      int64  `json:"live"`
	FreeLimit int    `json:"free_limit"`
}
