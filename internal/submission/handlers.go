package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/reimbursement-reconciler/internal/export"
	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/mail"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
)

const maxUploadSize = int64(50 << 20) // 50MB

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleListSubmissions returns submissions, optionally filtered by ?status=
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	switch status {
	case "", StatusOK, StatusMismatch, StatusUnprocessable:
	default:
		writeError(w, fmt.Sprintf("Unknown status %q", status), http.StatusBadRequest)
		return
	}

	subs, err := s.service.ListSubmissions(status)
	if err != nil {
		slog.Error("Error listing submissions", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleUploadSubmission accepts a form and its receipts as multipart
// "attachments" files
func (s *Server) handleUploadSubmission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "Upload is too large. Maximum size is 50MB."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["attachments"]
	if len(headers) == 0 {
		writeError(w, "No attachments provided", http.StatusBadRequest)
		return
	}

	env := Envelope{
		Subject:    r.FormValue("subject"),
		From:       r.FormValue("from"),
		ReceivedAt: s.service.timeSource.Now(),
	}
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening attachment", "filename", header.Filename, "error", err)
			writeError(w, "Error reading attachment", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading attachment", "filename", header.Filename, "error", err)
			writeError(w, "Error reading attachment", http.StatusInternalServerError)
			return
		}
		env.Attachments = append(env.Attachments, mail.Attachment{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	sub, err := s.service.Process(r.Context(), env)
	if err != nil {
		slog.Error("Error processing submission", "error", err)
		writeError(w, "Error processing submission", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// handleGetSubmission returns a single submission
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.GetSubmission(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, "Submission not found", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleDeleteSubmission deletes a submission
func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSubmission(r.PathValue("id")); err != nil {
		s.writeLookupError(w, "Submission not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetAttachment returns a stored attachment
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetAttachment(r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		s.writeLookupError(w, "Attachment not found", err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) writeLookupError(w http.ResponseWriter, notFound string, err error) {
	if IsNotFound(err) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("Error looking up submission", "error", err)
	writeError(w, "Internal server error", http.StatusInternalServerError)
}

// handleSummary returns the summary for ?from=&to= (dates, to exclusive),
// defaulting to the last seven days
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	period := export.Week(s.service.timeSource.Now())
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, "from must be a YYYY-MM-DD date", http.StatusBadRequest)
			return
		}
		period.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, "to must be a YYYY-MM-DD date", http.StatusBadRequest)
			return
		}
		period.To = t
	}
	if !period.From.Before(period.To) {
		writeError(w, "from must be before to", http.StatusBadRequest)
		return
	}

	summary, err := s.service.Summary(period)
	if err != nil {
		slog.Error("Error building summary", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type reconcileRequest struct {
	Rows      []form.Row          `json:"rows"`
	OCRBlocks []receipt.TextBlock `json:"ocr_blocks"`
}

// handleReconcile runs the matching pipeline on posted rows and OCR text
// without storing anything
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	verdict, err := s.service.Reconcile(req.Rows, req.OCRBlocks)
	switch {
	case errors.Is(err, form.ErrMalformedForm), errors.Is(err, reconcile.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		slog.Error("Error reconciling", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}
