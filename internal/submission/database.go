package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	submissionsBucket = "submissions"
	messagesBucket    = "messages"
)

// ErrNotFound is returned for unknown submission ids
var ErrNotFound = errors.New("submission not found")

// DB defines the interface for database operations
type DB interface {
	// SaveSubmission saves a submission, and records its mail message as
	// processed when it has one
	SaveSubmission(sub *Submission) error

	// GetSubmission retrieves a submission by ID
	GetSubmission(id string) (*Submission, error)

	// ListSubmissions returns all submissions
	ListSubmissions() ([]*Submission, error)

	// DeleteSubmission removes a submission and forgets its message
	DeleteSubmission(id string) error

	// SubmissionForMessage returns the submission id created from a mail
	// message, or "" when the message has not been processed
	SubmissionForMessage(messageID string) (string, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{submissionsBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveSubmission stores the submission and its message marker in one
// transaction so a crash never leaves a message marked but unsaved.
func (b *BoltDB) SaveSubmission(sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshaling submission: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(submissionsBucket)).Put([]byte(sub.ID), data); err != nil {
			return err
		}
		if sub.MessageID == "" {
			return nil
		}
		return tx.Bucket([]byte(messagesBucket)).Put([]byte(sub.MessageID), []byte(sub.ID))
	})
}

// GetSubmission retrieves a submission by ID
func (b *BoltDB) GetSubmission(id string) (*Submission, error) {
	var sub *Submission
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(submissionsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubmissions returns all submissions in key order
func (b *BoltDB) ListSubmissions() ([]*Submission, error) {
	subs := make([]*Submission, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(submissionsBucket)).ForEach(func(k, v []byte) error {
			var sub Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("unmarshaling submission %s: %w", k, err)
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// DeleteSubmission removes a submission; its message can be processed again
func (b *BoltDB) DeleteSubmission(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(submissionsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var sub Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("unmarshaling submission %s: %w", id, err)
		}
		if sub.MessageID != "" {
			if err := tx.Bucket([]byte(messagesBucket)).Delete([]byte(sub.MessageID)); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(id))
	})
}

// SubmissionForMessage looks up the processed-message marker
func (b *BoltDB) SubmissionForMessage(messageID string) (string, error) {
	var id string
	err := b.db.View(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket([]byte(messagesBucket)).Get([]byte(messageID)))
		return nil
	})
	return id, err
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
