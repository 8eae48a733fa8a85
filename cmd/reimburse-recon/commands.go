package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterbourgon/ff/v4"
	"github.com/schollz/progressbar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"

	"github.com/zombor/reimbursement-reconciler/internal/export"
	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/googleauth"
	"github.com/zombor/reimbursement-reconciler/internal/mail"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
	"github.com/zombor/reimbursement-reconciler/internal/scanning"
	"github.com/zombor/reimbursement-reconciler/internal/submission"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))

type rootCommand struct {
	cmd   *ff.Command
	flags *ff.FlagSet

	logLevel         *string
	logFormat        *string
	decimalStyle     *string
	currency         *string
	minorDigits      *int
	approxTolerance  *int
	reviewConfidence *float64
	totalKeywords    *string
	excludeKeywords  *string
	dbPath           *string
	storagePath      *string
	clientID         *string
	clientSecret     *string
}

func newRootCommand() *rootCommand {
	fs := ff.NewFlagSet("reimburse-recon")
	r := &rootCommand{
		flags:            fs,
		logLevel:         fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		logFormat:        fs.StringLong("log-format", "text", "Log format: text or json"),
		decimalStyle:     fs.StringLong("decimal-style", "comma", "Decimal marker used in amounts: comma (50.000,00) or dot (50,000.00)"),
		currency:         fs.StringLong("currency", "IDR", "ISO 4217 currency of forms and receipts"),
		minorDigits:      fs.IntLong("minor-digits", -1, "Minor unit digits, -1 to use the currency's"),
		approxTolerance:  fs.IntLong("approx-tolerance", 100, "Largest distance in minor units for an approximate match, 0 for exact only"),
		reviewConfidence: fs.Float64Long("review-confidence", 0.5, "Matches read with lower confidence are marked for review"),
		totalKeywords:    fs.StringLong("total-keywords", "", "Comma separated receipt total labels (default English and Indonesian)"),
		excludeKeywords:  fs.StringLong("exclude-keywords", "", "Comma separated receipt labels that never hold the total"),
		dbPath:           fs.StringLong("db", "reimbursements.db", "Database file path"),
		storagePath:      fs.StringLong("storage", "./attachments", "Attachment storage directory"),
		clientID:         fs.StringLong("google-client-id", "", "OAuth client id, used with refresh tokens"),
		clientSecret:     fs.StringLong("google-client-secret", "", "OAuth client secret, used with refresh tokens"),
	}
	_ = fs.StringLong("config", "", "Config file with one flag per line")
	showVersion := fs.BoolLong("version", "Show version information")

	scan := newScanFlags(fs)
	r.cmd = &ff.Command{
		Name:      "reimburse-recon",
		Usage:     "reimburse-recon [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "reconcile reimbursement forms against their receipts",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *showVersion {
				fmt.Println(version)
				return nil
			}
			return ff.ErrNoExec
		},
		Subcommands: []*ff.Command{
			r.serveCommand(scan),
			r.syncCommand(scan),
			r.summaryCommand(),
			r.reconcileCommand(),
		},
	}
	return r
}

func (r *rootCommand) setup() error {
	return setupLogging(*r.logLevel, *r.logFormat)
}

// pipeline builds the parsing and matching stages from the locale flags
func (r *rootCommand) pipeline() (*submission.Pipeline, error) {
	style, err := money.ParseDecimalStyle(*r.decimalStyle)
	if err != nil {
		return nil, err
	}
	keywords := receipt.DefaultKeywords()
	if list := splitList(*r.totalKeywords); len(list) > 0 {
		keywords.Total = list
	}
	if list := splitList(*r.excludeKeywords); len(list) > 0 {
		keywords.Exclude = list
	}
	return submission.NewPipeline(
		money.Locale{DecimalStyle: style, Currency: *r.currency, MinorDigits: *r.minorDigits},
		form.DefaultDictionary(),
		keywords,
		reconcile.Config{ApproxTolerance: int64(*r.approxTolerance), ReviewConfidence: *r.reviewConfidence},
	)
}

func (r *rootCommand) openDB() (*submission.BoltDB, error) {
	slog.Info("Initializing database...", "path", *r.dbPath)
	db, err := submission.NewBoltDB(*r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return db, nil
}

func (r *rootCommand) googleConfig(credentialsFile, refreshToken string) googleauth.Config {
	return googleauth.Config{
		CredentialsFile: credentialsFile,
		ClientID:        *r.clientID,
		ClientSecret:    *r.clientSecret,
		RefreshToken:    refreshToken,
	}
}

type scanFlags struct {
	flags         *ff.FlagSet
	scannerType   *string
	geminiKey     *string
	geminiModel   *string
	ollamaURL     *string
	ollamaModel   *string
	tesseractLang *string
	ocrWorkers    *int
	ocrTimeout    *time.Duration
	batchWorkers  *int
}

func newScanFlags(parent *ff.FlagSet) *scanFlags {
	fs := ff.NewFlagSet("scan").SetParent(parent)
	return &scanFlags{
		flags:         fs,
		scannerType:   fs.StringLong("scanner", "gemini", "Receipt OCR backend: gemini, ollama or tesseract"),
		geminiKey:     fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel:   fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name"),
		ollamaURL:     fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:   fs.StringLong("ollama-model", "llava", "Ollama vision model name"),
		tesseractLang: fs.StringLong("tesseract-lang", "eng,ind", "Comma separated Tesseract languages"),
		ocrWorkers:    fs.IntLong("ocr-workers", 4, "Receipts scanned in parallel per submission"),
		ocrTimeout:    fs.DurationLong("ocr-timeout", 2*time.Minute, "Timeout for scanning one receipt"),
		batchWorkers:  fs.IntLong("batch-workers", 2, "Submissions processed in parallel"),
	}
}

func (s *scanFlags) scanner(ctx context.Context) (scanning.Scanner, error) {
	switch *s.scannerType {
	case "gemini":
		apiKey := *s.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini api key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", *s.geminiModel)
		return scanning.NewGemini(ctx, apiKey, *s.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *s.ollamaURL, "model", *s.ollamaModel)
		return scanning.NewOllama(*s.ollamaURL, *s.ollamaModel)
	case "tesseract":
		langs := splitList(*s.tesseractLang)
		slog.Info("Initializing Tesseract scanner...", "languages", langs)
		t, err := scanning.NewTesseract(langs...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("invalid scanner type %q, want gemini, ollama or tesseract", *s.scannerType)
}

func (s *scanFlags) options() submission.Options {
	return submission.Options{
		OCRWorkers:   *s.ocrWorkers,
		OCRTimeout:   *s.ocrTimeout,
		BatchWorkers: *s.batchWorkers,
	}
}

// newService wires the full processing service; the returned cleanup closes
// the database and scanner
func (r *rootCommand) newService(ctx context.Context, scan *scanFlags) (*submission.Service, func(), error) {
	pipeline, err := r.pipeline()
	if err != nil {
		return nil, nil, err
	}
	scanner, err := scan.scanner(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := submission.NewLocalStorage(*r.storagePath)
	if err != nil {
		scanner.Close()
		return nil, nil, err
	}
	db, err := r.openDB()
	if err != nil {
		scanner.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
		if err := scanner.Close(); err != nil {
			slog.Warn("Failed to close scanner", "error", err)
		}
	}
	return submission.NewService(db, store, scanner, pipeline, scan.options()), cleanup, nil
}

func (r *rootCommand) serveCommand(scan *scanFlags) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(scan.flags)
	port := fs.IntLong("port", 8080, "HTTP server port")

	return &ff.Command{
		Name:      "serve",
		Usage:     "reimburse-recon serve [FLAGS]",
		ShortHelp: "serve the submission API",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if err := r.setup(); err != nil {
				return err
			}
			service, cleanup, err := r.newService(ctx, scan)
			if err != nil {
				return err
			}
			defer cleanup()

			server := submission.NewServer(service)
			return server.Start(ctx, fmt.Sprintf(":%d", *port))
		},
	}
}

func (r *rootCommand) syncCommand(scan *scanFlags) *ff.Command {
	fs := ff.NewFlagSet("sync").SetParent(scan.flags)
	var (
		query        = fs.StringLong("gmail-query", "has:attachment subject:reimbursement newer_than:7d", "Gmail search query")
		maxMessages  = fs.IntLong("gmail-max", 50, "Maximum messages to fetch")
		tokenFile    = fs.StringLong("gmail-token", "", "Gmail token.json (authorized user) or service account key")
		refreshToken = fs.StringLong("gmail-refresh-token", "", "Gmail OAuth refresh token")
		quiet        = fs.BoolLong("quiet", "Hide the progress bar")
	)

	return &ff.Command{
		Name:      "sync",
		Usage:     "reimburse-recon sync [FLAGS]",
		ShortHelp: "fetch new reimbursement emails and reconcile them",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if err := r.setup(); err != nil {
				return err
			}
			client, err := googleauth.HTTPClient(ctx, r.googleConfig(*tokenFile, *refreshToken), gmail.GmailReadonlyScope)
			if err != nil {
				return fmt.Errorf("authorizing gmail: %w", err)
			}
			source, err := mail.NewGmail(ctx, client)
			if err != nil {
				return err
			}

			service, cleanup, err := r.newService(ctx, scan)
			if err != nil {
				return err
			}
			defer cleanup()

			var progress submission.Progress
			var bar *progressbar.ProgressBar
			if !*quiet {
				bar = progressbar.NewOptions(-1,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionSpinnerType(14),
					progressbar.OptionSetDescription("Processing messages..."),
				)
				progress = bar
			}

			report, err := service.Sync(ctx, source, *query, int64(*maxMessages), progress)
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}
			return printSyncReport(os.Stdout, report)
		},
	}
}

func printSyncReport(w io.Writer, report *submission.SyncReport) error {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Sync complete") + "\n")
	fmt.Fprintf(&b, "%d listed, %d processed, %d already done, %d failed\n",
		report.Listed, len(report.Submissions), report.Skipped, report.Failed)
	for _, sub := range report.Submissions {
		fmt.Fprintf(&b, "  %-13s %s  %s\n", sub.Status, sub.ID, sub.Subject)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *rootCommand) summaryCommand() *ff.Command {
	fs := ff.NewFlagSet("summary").SetParent(r.flags)
	var (
		from         = fs.StringLong("from", "", "First day, YYYY-MM-DD (default seven days ago)")
		to           = fs.StringLong("to", "", "Day after the last, YYYY-MM-DD (default tomorrow)")
		format       = fs.StringLong("format", "table", "Output format: table or csv")
		output       = fs.StringLong("output", "-", "Output file, - for stdout")
		sheetID      = fs.StringLong("sheets-id", "", "Also write the summary to this Google Sheets spreadsheet")
		sheetName    = fs.StringLong("sheets-name", "Summary", "Sheet tab to overwrite")
		sheetsToken  = fs.StringLong("sheets-token", "", "Sheets token.json (authorized user) or service account key")
		sheetsRefTok = fs.StringLong("sheets-refresh-token", "", "Sheets OAuth refresh token")
	)

	return &ff.Command{
		Name:      "summary",
		Usage:     "reimburse-recon summary [FLAGS]",
		ShortHelp: "report the week's submissions",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if err := r.setup(); err != nil {
				return err
			}
			period, err := parsePeriod(*from, *to, time.Now())
			if err != nil {
				return err
			}

			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			service := submission.NewService(db, nil, nil, nil, submission.DefaultOptions())
			summary, err := service.Summary(period)
			if err != nil {
				return err
			}

			if err := writeSummary(*output, *format, summary); err != nil {
				return err
			}

			if *sheetID == "" {
				return nil
			}
			client, err := googleauth.HTTPClient(ctx, r.googleConfig(*sheetsToken, *sheetsRefTok), sheets.SpreadsheetsScope)
			if err != nil {
				return fmt.Errorf("authorizing sheets: %w", err)
			}
			writer, err := export.NewSheetsWriter(ctx, client, *sheetID, *sheetName)
			if err != nil {
				return err
			}
			return writer.Write(ctx, summary)
		},
	}
}

// parsePeriod reads --from/--to as local dates, defaulting to the week
// ending today
func parsePeriod(from, to string, now time.Time) (export.Period, error) {
	period := export.Week(now)
	if from != "" {
		t, err := time.ParseInLocation(time.DateOnly, from, now.Location())
		if err != nil {
			return export.Period{}, fmt.Errorf("parsing --from: %w", err)
		}
		period.From = t
	}
	if to != "" {
		t, err := time.ParseInLocation(time.DateOnly, to, now.Location())
		if err != nil {
			return export.Period{}, fmt.Errorf("parsing --to: %w", err)
		}
		period.To = t
	}
	if !period.From.Before(period.To) {
		return export.Period{}, fmt.Errorf("--from %s must be before --to %s", period.From.Format(time.DateOnly), period.To.Format(time.DateOnly))
	}
	return period, nil
}

func writeSummary(output, format string, summary *export.Summary) error {
	var w io.Writer = os.Stdout
	if output != "-" && output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "table":
		_, err := fmt.Fprintln(w, export.RenderTable(summary))
		return err
	case "csv":
		return export.WriteCSV(w, summary)
	}
	return fmt.Errorf("invalid format %q, want table or csv", format)
}

// reconcileInput is the stateless reconcile request: form rows plus receipt
// OCR text
type reconcileInput struct {
	Rows      []form.Row          `json:"rows"`
	OCRBlocks []receipt.TextBlock `json:"ocr_blocks"`
}

func (r *rootCommand) reconcileCommand() *ff.Command {
	fs := ff.NewFlagSet("reconcile").SetParent(r.flags)

	return &ff.Command{
		Name:      "reconcile",
		Usage:     "reimburse-recon reconcile [FLAGS] <input.json|->",
		ShortHelp: "reconcile rows and OCR text from a JSON file and print the verdict",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if err := r.setup(); err != nil {
				return err
			}
			if len(args) != 1 {
				return fmt.Errorf("reconcile takes exactly one input file")
			}
			pipeline, err := r.pipeline()
			if err != nil {
				return err
			}
			return runReconcile(args[0], os.Stdin, os.Stdout, pipeline)
		},
	}
}

func runReconcile(path string, stdin io.Reader, stdout io.Writer, pipeline *submission.Pipeline) error {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		in = f
	}

	var input reconcileInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	service := submission.NewService(nil, nil, nil, pipeline, submission.DefaultOptions())
	verdict, err := service.Reconcile(input.Rows, input.OCRBlocks)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
