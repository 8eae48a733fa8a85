package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteCSV writes the summary with a header row
func WriteCSV(w io.Writer, s *Summary) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header()); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	if err := writer.WriteAll(s.Rows()); err != nil {
		return fmt.Errorf("writing csv rows: %w", err)
	}
	return nil
}
