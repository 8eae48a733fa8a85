package export

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsWriter replaces the contents of one tab of a spreadsheet with the
// summary.
type SheetsWriter struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string
}

// NewSheetsWriter creates a writer. The client must carry a token with the
// spreadsheets scope.
func NewSheetsWriter(ctx context.Context, client *http.Client, spreadsheetID, sheet string, opts ...option.ClientOption) (*SheetsWriter, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if sheet == "" {
		sheet = "Summary"
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &SheetsWriter{service: svc, spreadsheetID: spreadsheetID, sheet: sheet}, nil
}

// Write clears the tab and writes header plus rows from A1
func (w *SheetsWriter) Write(ctx context.Context, s *Summary) error {
	if _, err := w.service.Spreadsheets.Values.Clear(w.spreadsheetID, w.sheet, &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("clearing sheet %s: %w", w.sheet, err)
	}

	values := make([][]interface{}, 0, len(s.Records)+1)
	values = append(values, toInterfaces(Header()))
	for _, row := range s.Rows() {
		values = append(values, toInterfaces(row))
	}

	resp, err := w.service.Spreadsheets.Values.Update(w.spreadsheetID, w.sheet+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("writing sheet %s: %w", w.sheet, err)
	}

	slog.Info("Wrote summary to sheet",
		"spreadsheet_id", w.spreadsheetID,
		"sheet", w.sheet,
		"updated_rows", resp.UpdatedRows,
	)
	return nil
}

func toInterfaces(row []string) []interface{} {
	out := make([]interface{}, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}
