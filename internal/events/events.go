// Package events defines the conversation lifecycle messages exchanged
// between the API (publisher) and the worker (consumer).
package events

import (
	"context"
	"time"
)

type Type string

const (
	ConversationCreated   Type = "conversation.created"
	ConversationPatched   Type = "conversation.patched"
	ConversationDeleted   Type = "conversation.deleted"
	ConversationUndeleted Type = "conversation.undeleted"
)

type Event struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Digest         string    `json:"digest"`
	Public         bool      `json:"public"`
	Research       bool      `json:"research"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
