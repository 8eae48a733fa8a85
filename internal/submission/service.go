package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/reimbursement-reconciler/internal/export"
	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/mail"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
	"github.com/zombor/reimbursement-reconciler/internal/scanning"
)

// IDGenerator generates unique IDs for submissions
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Pipeline bundles the parsing and matching stages for one locale
type Pipeline struct {
	Dictionary form.Dictionary
	Extractor  *form.Extractor
	Collector  *receipt.Collector
	Engine     *reconcile.Engine
}

// NewPipeline wires the stages around a shared normalizer
func NewPipeline(loc money.Locale, dict form.Dictionary, keywords receipt.Keywords, cfg reconcile.Config) (*Pipeline, error) {
	normalizer, err := money.NewNormalizer(loc)
	if err != nil {
		return nil, fmt.Errorf("creating normalizer: %w", err)
	}
	engine, err := reconcile.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return &Pipeline{
		Dictionary: dict,
		Extractor:  form.NewExtractor(normalizer, dict),
		Collector:  receipt.NewCollector(normalizer, keywords),
		Engine:     engine,
	}, nil
}

// Options tune concurrency
type Options struct {
	OCRWorkers   int           // receipts scanned in parallel per submission
	OCRTimeout   time.Duration // per receipt
	BatchWorkers int           // submissions processed in parallel
}

func DefaultOptions() Options {
	return Options{OCRWorkers: 4, OCRTimeout: 2 * time.Minute, BatchWorkers: 2}
}

// Envelope is the raw material of a submission, usually one email
type Envelope struct {
	MessageID   string
	Subject     string
	From        string
	ReceivedAt  time.Time
	Attachments []mail.Attachment
}

// Result is the outcome of one envelope in a batch
type Result struct {
	Submission *Submission
	Err        error
}

// Service handles submission operations
type Service struct {
	db          DB
	storage     Storage
	scanner     scanning.Scanner
	pipeline    *Pipeline
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with uuid ids and the wall clock
func NewService(db DB, storage Storage, scanner scanning.Scanner, pipeline *Pipeline, opts Options) *Service {
	return NewServiceWithDeps(db, storage, scanner, pipeline, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, scanner scanning.Scanner, pipeline *Pipeline, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	if opts.OCRWorkers <= 0 {
		opts.OCRWorkers = 1
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = 1
	}
	return &Service{
		db:          db,
		storage:     storage,
		scanner:     scanner,
		pipeline:    pipeline,
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Process stores an envelope's attachments, finds the form among them,
// reads the receipts and reconciles the two. A submission that cannot be
// reconciled is saved as UNPROCESSABLE; the error return is reserved for
// storage failures and cancellation.
func (s *Service) Process(ctx context.Context, env Envelope) (*Submission, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	logger := slog.With("submission_id", id, "message_id", env.MessageID)

	sub := &Submission{
		ID:                   id,
		MessageID:            env.MessageID,
		Subject:              env.Subject,
		From:                 env.From,
		ReceivedAt:           env.ReceivedAt,
		Amounts:              make([]receipt.ObservedAmount, 0),
		ReceiptsWithoutTotal: make([]string, 0),
		Attachments:          make([]StoredAttachment, 0, len(env.Attachments)),
		CreatedAt:            now,
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = now
	}

	var (
		rows      []form.Row
		formFound bool
		payloads  [][]byte
		used      = map[string]bool{}
	)
	for i, att := range env.Attachments {
		name := sanitizeFilename(att.Filename)
		if used[name] {
			name = fmt.Sprintf("%d_%s", i+1, name)
		}
		used[name] = true

		path, err := s.storage.Save(id, name, att.Data)
		if err != nil {
			s.discard(id)
			return nil, fmt.Errorf("saving attachment %s: %w", att.Filename, err)
		}

		stored := StoredAttachment{
			Name:        name,
			Path:        path,
			ContentType: scanning.ContentType(att.ContentType, att.Filename),
			Role:        RoleIgnored,
		}
		if !formFound && isFormType(stored.ContentType) {
			if r, err := s.readForm(att.Data, stored.ContentType); err == nil {
				rows, formFound = r, true
				stored.Role = RoleForm
			} else {
				logger.Debug("PDF is not a reimbursement form", "attachment", name, "error", err)
			}
		}
		if stored.Role == RoleIgnored && scanning.IsSupported(stored.ContentType) {
			stored.Role = RoleReceipt
		}
		sub.Attachments = append(sub.Attachments, stored)
		payloads = append(payloads, att.Data)
	}

	if !formFound {
		return s.unprocessable(sub, fmt.Sprintf("no reimbursement form found among %d attachments", len(env.Attachments)))
	}

	f, err := s.pipeline.Extractor.Extract(rows)
	if err != nil {
		return s.unprocessable(sub, err.Error())
	}
	sub.Form = f

	blocks, err := s.scanReceipts(ctx, sub, payloads)
	if err != nil {
		s.discard(id)
		return nil, err
	}

	collection := s.pipeline.Collector.Collect(blocks)
	sub.Amounts = collection.Amounts
	sub.ReceiptsWithoutTotal = collection.WithoutTotal

	verdict, err := s.pipeline.Engine.Reconcile(f.Items, collection.Amounts)
	if err != nil {
		return s.unprocessable(sub, err.Error())
	}
	sub.Verdict = verdict
	sub.Status = Status(verdict.Status)

	var problems []string
	if f.TotalMismatch() {
		sub.Status = StatusMismatch
		problems = append(problems, fmt.Sprintf("form total %s differs from the sum of its items %s", *f.DeclaredTotal, f.ClaimedTotal()))
	}
	if len(collection.WithoutTotal) > 0 {
		problems = append(problems, "no total found on "+strings.Join(collection.WithoutTotal, ", "))
	}
	sub.Problem = strings.Join(problems, "; ")

	if err := s.db.SaveSubmission(sub); err != nil {
		s.discard(id)
		return nil, fmt.Errorf("saving submission to database: %w", err)
	}

	logger.Info("Processed submission",
		"status", sub.Status,
		"items", len(f.Items),
		"amounts", len(sub.Amounts),
		"unused_receipts", len(verdict.UnusedReceipts),
	)
	return sub, nil
}

// isFormType reports whether an attachment may hold the form table: a PDF,
// or a plain text export of it.
func isFormType(contentType string) bool {
	return contentType == "application/pdf" || contentType == "text/plain"
}

func (s *Service) readForm(data []byte, contentType string) ([]form.Row, error) {
	var lines []string
	if contentType == "text/plain" {
		lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	} else {
		var err error
		if lines, err = form.ReadPDFText(data); err != nil {
			return nil, err
		}
	}
	return form.ParseTable(lines, s.pipeline.Dictionary)
}

// scanReceipts OCRs every receipt attachment. A failed receipt yields an
// empty block so it is reported as having no total.
func (s *Service) scanReceipts(ctx context.Context, sub *Submission, payloads [][]byte) ([]receipt.TextBlock, error) {
	texts := make([]string, len(sub.Attachments))

	var g errgroup.Group
	g.SetLimit(s.opts.OCRWorkers)
	for i := range sub.Attachments {
		att := &sub.Attachments[i]
		if att.Role != RoleReceipt {
			continue
		}
		data := payloads[i]
		g.Go(func() error {
			scanCtx := ctx
			if s.opts.OCRTimeout > 0 {
				var cancel context.CancelFunc
				scanCtx, cancel = context.WithTimeout(ctx, s.opts.OCRTimeout)
				defer cancel()
			}

			text, err := s.scanner.ExtractText(scanCtx, data, att.ContentType)
			if err != nil {
				slog.Warn("Failed to scan receipt",
					"submission_id", sub.ID,
					"attachment", att.Name,
					"content_type", att.ContentType,
					"file_size", len(data),
					"error", err,
				)
				att.Error = err.Error()
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scanning receipts: %w", err)
	}

	blocks := make([]receipt.TextBlock, 0, len(texts))
	for i, att := range sub.Attachments {
		if att.Role == RoleReceipt {
			blocks = append(blocks, receipt.TextBlock{ReceiptID: att.Name, Text: texts[i]})
		}
	}
	return blocks, nil
}

func (s *Service) unprocessable(sub *Submission, problem string) (*Submission, error) {
	sub.Status = StatusUnprocessable
	sub.Problem = problem
	if err := s.db.SaveSubmission(sub); err != nil {
		s.discard(sub.ID)
		return nil, fmt.Errorf("saving submission to database: %w", err)
	}
	slog.Warn("Submission is unprocessable", "submission_id", sub.ID, "message_id", sub.MessageID, "problem", problem)
	return sub, nil
}

func (s *Service) discard(id string) {
	if err := s.storage.DeleteDir(id); err != nil {
		slog.Warn("Failed to delete attachments", "submission_id", id, "error", err)
	}
}

// ProcessBatch processes envelopes concurrently. One envelope failing never
// affects the others; results keep the input order.
func (s *Service) ProcessBatch(ctx context.Context, envs []Envelope) []Result {
	return s.processBatch(ctx, envs, nil)
}

func (s *Service) processBatch(ctx context.Context, envs []Envelope, progress Progress) []Result {
	results := make([]Result, len(envs))

	var g errgroup.Group
	g.SetLimit(s.opts.BatchWorkers)
	for i, env := range envs {
		g.Go(func() error {
			sub, err := s.Process(ctx, env)
			if err != nil {
				slog.Error("Failed to process submission", "message_id", env.MessageID, "error", err)
			}
			results[i] = Result{Submission: sub, Err: err}
			advance(progress)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Reconcile runs the pipeline on already extracted rows and OCR text
// without storing anything.
func (s *Service) Reconcile(rows []form.Row, blocks []receipt.TextBlock) (*reconcile.Verdict, error) {
	f, err := s.pipeline.Extractor.Extract(rows)
	if err != nil {
		return nil, err
	}
	collection := s.pipeline.Collector.Collect(blocks)
	return s.pipeline.Engine.Reconcile(f.Items, collection.Amounts)
}

// GetSubmission retrieves a submission by ID
func (s *Service) GetSubmission(id string) (*Submission, error) {
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions newest first, optionally only those
// with the given status
func (s *Service) ListSubmissions(status Status) ([]*Submission, error) {
	subs, err := s.db.ListSubmissions()
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	out := make([]*Submission, 0, len(subs))
	for _, sub := range subs {
		if status == "" || sub.Status == status {
			out = append(out, sub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSubmission removes a submission and its attachments
func (s *Service) DeleteSubmission(id string) error {
	if _, err := s.db.GetSubmission(id); err != nil {
		return fmt.Errorf("getting submission for deletion: %w", err)
	}

	if err := s.storage.DeleteDir(id); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete attachments", "submission_id", id, "error", err)
	}

	if err := s.db.DeleteSubmission(id); err != nil {
		return fmt.Errorf("deleting submission from database: %w", err)
	}
	return nil
}

// GetAttachment retrieves a stored attachment by name
func (s *Service) GetAttachment(id, name string) ([]byte, string, error) {
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting submission: %w", err)
	}
	for _, att := range sub.Attachments {
		if att.Name != name {
			continue
		}
		data, err := s.storage.Get(att.Path)
		if err != nil {
			return nil, "", fmt.Errorf("getting attachment file: %w", err)
		}
		return data, att.ContentType, nil
	}
	return nil, "", fmt.Errorf("%w: attachment %s of %s", ErrNotFound, name, id)
}

// Summary builds the report for a period
func (s *Service) Summary(period export.Period) (*export.Summary, error) {
	subs, err := s.db.ListSubmissions()
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	records := make([]export.Record, 0, len(subs))
	for _, sub := range subs {
		records = append(records, sub.Record())
	}
	return export.Summarize(records, period), nil
}

// IsNotFound reports whether err means an unknown submission or attachment
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
