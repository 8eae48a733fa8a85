package submission

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/reimbursement-reconciler/internal/export"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		scanner.texts["taxi"] = "TOTAL Rp 50.000"
		scanner.texts["lunch"] = "Total 50.000"
		service = NewServiceWithDeps(db, storage, scanner, newTestPipeline(), DefaultOptions(),
			&mockIDGenerator{prefix: "sub"},
			&mockTimeSource{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)},
		)
		server = NewServerWithMux(service, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	readBody := func(resp *http.Response) []byte {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return body
	}

	Describe("handleListSubmissions", func() {
		When("submissions exist", func() {
			BeforeEach(func() {
				db.submissions["a"] = &Submission{ID: "a", Status: StatusOK}
				db.submissions["b"] = &Submission{ID: "b", Status: StatusMismatch}
			})

			It("should return all submissions as JSON", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/submissions")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var subs []*Submission
				Expect(json.Unmarshal(readBody(resp), &subs)).To(Succeed())
				Expect(subs).To(HaveLen(2))
			})

			It("should filter by status", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/submissions?status=MISMATCH")
				Expect(err).NotTo(HaveOccurred())

				var subs []*Submission
				Expect(json.Unmarshal(readBody(resp), &subs)).To(Succeed())
				Expect(subs).To(HaveLen(1))
				Expect(subs[0].ID).To(Equal("b"))
			})
		})

		When("no submissions exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/submissions")
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(readBody(resp)))).To(Equal("[]"))
			})
		})

		When("the status is unknown", func() {
			It("should return Bad Request", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/submissions?status=PENDING")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(readBody(resp))).To(ContainSubstring("Unknown status"))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = io.ErrUnexpectedEOF
			})

			It("should return Internal Server Error with a JSON body", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/submissions")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(readBody(resp)).To(MatchJSON(`{"error":"Internal server error"}`))
			})
		})
	})

	Describe("handleUploadSubmission", func() {
		post := func(files map[string]string, fields map[string]string) *http.Response {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			for name, value := range fields {
				Expect(writer.WriteField(name, value)).To(Succeed())
			}
			for name, data := range files {
				h := make(textproto.MIMEHeader)
				h.Set("Content-Disposition", `form-data; name="attachments"; filename="`+name+`"`)
				if strings.HasSuffix(name, ".txt") {
					h.Set("Content-Type", "text/plain")
				} else {
					h.Set("Content-Type", "image/jpeg")
				}
				part, err := writer.CreatePart(h)
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write([]byte(data))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/submissions", writer.FormDataContentType(), &b)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("the upload holds a form and its receipts", func() {
			It("should return Created with the reconciled submission", func() {
				resp := post(
					map[string]string{"form.txt": formText, "taxi.jpg": "taxi", "lunch.jpg": "lunch"},
					map[string]string{"subject": "Oktober", "from": "budi@example.com"},
				)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var sub Submission
				Expect(json.Unmarshal(readBody(resp), &sub)).To(Succeed())
				Expect(sub.ID).To(Equal("sub-1"))
				Expect(sub.Status).To(Equal(StatusOK))
				Expect(sub.Subject).To(Equal("Oktober"))
				Expect(sub.Verdict.Matched()).To(Equal(2))
			})
		})

		When("the upload has no form", func() {
			It("should still create an unprocessable submission", func() {
				resp := post(map[string]string{"taxi.jpg": "taxi"}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var sub Submission
				Expect(json.Unmarshal(readBody(resp), &sub)).To(Succeed())
				Expect(sub.Status).To(Equal(StatusUnprocessable))
			})
		})

		When("no files are attached", func() {
			It("should return Bad Request", func() {
				resp := post(nil, map[string]string{"subject": "empty"})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(MatchJSON(`{"error":"No attachments provided"}`))
			})
		})

		When("the body is not multipart", func() {
			It("should return Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/submissions", "application/json", strings.NewReader("{}"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(MatchJSON(`{"error":"Error parsing form"}`))
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.saveErr = io.ErrShortWrite
			})

			It("should return Internal Server Error", func() {
				resp := post(map[string]string{"taxi.jpg": "taxi"}, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetSubmission", func() {
		BeforeEach(func() {
			db.submissions["sub-1"] = &Submission{ID: "sub-1", Status: StatusOK}
		})

		It("should return the submission", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/submissions/sub-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var sub Submission
			Expect(json.Unmarshal(readBody(resp), &sub)).To(Succeed())
			Expect(sub.ID).To(Equal("sub-1"))
		})

		It("should return Not Found for unknown ids", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/submissions/nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(readBody(resp)).To(MatchJSON(`{"error":"Submission not found"}`))
		})
	})

	Describe("handleDeleteSubmission", func() {
		BeforeEach(func() {
			db.submissions["sub-1"] = &Submission{ID: "sub-1"}
		})

		It("should return No Content", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/submissions/sub-1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.submissions).To(BeEmpty())
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.deleteErr = io.ErrClosedPipe
			})

			It("should return Internal Server Error", func() {
				req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/submissions/sub-1", nil)
				Expect(err).NotTo(HaveOccurred())
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleGetAttachment", func() {
		BeforeEach(func() {
			db.submissions["sub-1"] = &Submission{ID: "sub-1", Attachments: []StoredAttachment{
				{Name: "taxi.jpg", Path: "sub-1/taxi.jpg", ContentType: "image/jpeg", Role: RoleReceipt},
			}}
			storage.files["sub-1/taxi.jpg"] = []byte("jpeg bytes")
		})

		It("should serve the file with its content type", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/submissions/sub-1/attachments/taxi.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(string(readBody(resp))).To(Equal("jpeg bytes"))
		})

		It("should return Not Found for unknown attachments", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/submissions/sub-1/attachments/other.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("handleSummary", func() {
		BeforeEach(func() {
			db.submissions["a"] = &Submission{ID: "a", Status: StatusOK, ReceivedAt: time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)}
			db.submissions["b"] = &Submission{ID: "b", Status: StatusMismatch, ReceivedAt: time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)}
		})

		It("should default to the last seven days", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/summary")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var summary export.Summary
			Expect(json.Unmarshal(readBody(resp), &summary)).To(Succeed())
			Expect(summary.Records).To(HaveLen(1))
			Expect(summary.Totals.OK).To(Equal(1))
		})

		It("should honor an explicit period", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/summary?from=2026-10-01&to=2026-10-16")
			Expect(err).NotTo(HaveOccurred())

			var summary export.Summary
			Expect(json.Unmarshal(readBody(resp), &summary)).To(Succeed())
			Expect(summary.Records).To(HaveLen(2))
			Expect(summary.Totals.Mismatch).To(Equal(1))
		})

		It("should reject malformed dates", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/summary?from=yesterday")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("should reject an empty period", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/summary?from=2026-10-10&to=2026-10-10")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("handleReconcile", func() {
		post := func(body string) *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/reconcile", "application/json", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should return the verdict", func() {
			resp := post(`{
				"rows": [
					{"description": "Taxi", "quantity": 1, "unit_price": "50.000", "subtotal": "50.000"},
					{"description": "Lunch", "quantity": 2, "unit_price": "25.000", "subtotal": "50.000"}
				],
				"ocr_blocks": [{"receipt_id": "1", "text": "TOTAL Rp 50.000"}]
			}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(MatchJSON(`{
				"currency": "IDR",
				"matches": [
					{"line": 1, "description": "Taxi", "quantity": 1, "unit_price": 5000000, "claimed_subtotal": 5000000,
					 "observed_value": 5000000, "receipt_id": "1", "confidence": 1, "match_kind": "EXACT", "flags": [], "needs_review": false},
					{"line": 2, "description": "Lunch", "quantity": 2, "unit_price": 2500000, "claimed_subtotal": 5000000,
					 "observed_value": null, "match_kind": "UNMATCHED", "flags": [], "needs_review": false}
				],
				"unused_receipts": [],
				"overall_status": "MISMATCH"
			}`))
		})

		It("should not store anything", func() {
			post(`{"rows": [{"description": "Taxi", "quantity": 1, "unit_price": "50.000"}], "ocr_blocks": []}`).Body.Close()
			Expect(db.submissions).To(BeEmpty())
		})

		When("the rows are malformed", func() {
			It("should return Unprocessable Entity", func() {
				resp := post(`{"rows": [], "ocr_blocks": []}`)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(string(readBody(resp))).To(ContainSubstring("malformed form"))
			})
		})

		When("the body is not JSON", func() {
			It("should return Bad Request", func() {
				resp := post(`not json`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(MatchJSON(`{"error":"Invalid request body"}`))
			})
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/submissions", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})
})
