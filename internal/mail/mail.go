// Package mail retrieves reimbursement emails and their attachments.
package mail

import (
	"context"
	"time"
)

// Summary is the listing view of a message
type Summary struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
}

// Attachment is a decoded file attached to a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a fully fetched message
type Message struct {
	Summary
	ReceivedAt  time.Time
	Body        string
	Attachments []Attachment
}

// Source is a mailbox that can be searched
type Source interface {
	// List returns up to max messages matching query, newest first
	List(ctx context.Context, query string, max int64) ([]Summary, error)
	// Fetch loads a message with its attachments
	Fetch(ctx context.Context, id string) (*Message, error)
}
