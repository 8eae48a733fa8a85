package submission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/reimbursement-reconciler/internal/mail"
)

// Progress is advanced once per listed message
type Progress interface {
	Add(n int) error
}

func advance(p Progress) {
	if p == nil {
		return
	}
	if err := p.Add(1); err != nil {
		slog.Debug("Failed to advance progress", "error", err)
	}
}

// SyncReport summarizes one sync run
type SyncReport struct {
	Listed      int
	Skipped     int
	Failed      int
	Submissions []*Submission
}

// Sync processes every message matching query that has not been processed
// before. A message that cannot be fetched or processed is counted as
// failed and left for the next run.
func (s *Service) Sync(ctx context.Context, src mail.Source, query string, max int64, progress Progress) (*SyncReport, error) {
	summaries, err := src.List(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	report := &SyncReport{Listed: len(summaries), Submissions: make([]*Submission, 0)}
	envs := make([]Envelope, 0, len(summaries))
	for _, summary := range summaries {
		existing, err := s.db.SubmissionForMessage(summary.ID)
		if err != nil {
			return nil, fmt.Errorf("checking message %s: %w", summary.ID, err)
		}
		if existing != "" {
			slog.Debug("Skipping processed message", "message_id", summary.ID, "submission_id", existing)
			report.Skipped++
			advance(progress)
			continue
		}

		msg, err := src.Fetch(ctx, summary.ID)
		if err != nil {
			slog.Error("Failed to fetch message", "message_id", summary.ID, "error", err)
			report.Failed++
			advance(progress)
			continue
		}
		envs = append(envs, Envelope{
			MessageID:   msg.ID,
			Subject:     msg.Subject,
			From:        msg.From,
			ReceivedAt:  msg.ReceivedAt,
			Attachments: msg.Attachments,
		})
	}

	for _, res := range s.processBatch(ctx, envs, progress) {
		if res.Err != nil {
			report.Failed++
			continue
		}
		report.Submissions = append(report.Submissions, res.Submission)
	}

	slog.Info("Sync finished",
		"listed", report.Listed,
		"processed", len(report.Submissions),
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}
