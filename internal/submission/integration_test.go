package submission_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"

	"github.com/zombor/reimbursement-reconciler/internal/export"
	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/mail"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
	"github.com/zombor/reimbursement-reconciler/internal/submission"
)

// fakeScanner returns the attachment bytes as their OCR text
type fakeScanner struct{}

func (fakeScanner) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	return string(data), nil
}

func (fakeScanner) Close() error {
	return nil
}

const integrationForm = `Keterangan | Qty | Harga Satuan | Jumlah
Taxi bandara | 1 | 50.000 | 50.000
Hotel | 1 | 300.000 | 300.000
Total | | | 350.000
`

var _ = Describe("Integration", func() {
	var (
		db       *submission.BoltDB
		store    *submission.LocalStorage
		service  *submission.Service
		server   *submission.Server
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()

		var err error
		db, err = submission.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = submission.NewLocalStorage(filepath.Join(tempDir, "attachments"))
		Expect(err).NotTo(HaveOccurred())

		pipeline, err := submission.NewPipeline(money.DefaultLocale(), form.DefaultDictionary(), receipt.DefaultKeywords(), reconcile.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		service = submission.NewService(db, store, fakeScanner{}, pipeline, submission.DefaultOptions())
		server = submission.NewServer(service)
		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghServer.Close()
		db.Close()
	})

	It("should upload a submission, reconcile it, and serve it back", func() {
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		Expect(writer.WriteField("subject", "Perjalanan dinas")).To(Succeed())
		for _, f := range []struct{ name, contentType, data string }{
			{"form.txt", "text/plain", integrationForm},
			{"taxi.jpg", "image/jpeg", "BLUEBIRD\nTOTAL Rp 50.000"},
			{"hotel.jpg", "image/jpeg", "HOTEL ASTON\nSubtotal 272.727\nPajak 27.273\nGrand Total 300.000,50"},
		} {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="attachments"; filename="`+f.name+`"`)
			h.Set("Content-Type", f.contentType)
			part, err := writer.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte(f.data))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/submissions", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var created submission.Submission
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(respBody, &created)).To(Succeed())

		By("matching the hotel within tolerance")
		Expect(created.Status).To(Equal(submission.StatusOK))
		Expect(created.Verdict.Matches).To(HaveLen(2))
		Expect(created.Verdict.Matches[0].Kind).To(Equal(reconcile.Exact))
		Expect(created.Verdict.Matches[1].Kind).To(Equal(reconcile.Approximate))
		Expect(created.Verdict.Matches[1].Observed.ReceiptID).To(Equal("hotel.jpg"))

		By("persisting it")
		saved, err := db.GetSubmission(created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.Verdict.Status).To(Equal(reconcile.StatusOK))

		By("serving the stored receipt")
		resp, err = http.Get(ghServer.URL() + "/api/submissions/" + created.ID + "/attachments/taxi.jpg")
		Expect(err).NotTo(HaveOccurred())
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(string(data)).To(Equal("BLUEBIRD\nTOTAL Rp 50.000"))

		By("including it in the weekly summary")
		resp, err = http.Get(ghServer.URL() + "/api/summary")
		Expect(err).NotTo(HaveOccurred())
		var summary export.Summary
		Expect(json.NewDecoder(resp.Body).Decode(&summary)).To(Succeed())
		resp.Body.Close()
		Expect(summary.Totals.Submissions).To(Equal(1))
		Expect(summary.Totals.Claimed).To(HaveKeyWithValue("IDR", int64(35000000)))
	})

	It("should sync a mailbox once", func() {
		b64 := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
		message := `{
			"id":"m1",
			"internalDate":"1791770400000",
			"snippet":"Mohon diganti",
			"payload":{
				"mimeType":"multipart/mixed",
				"headers":[{"name":"Subject","value":"Reimbursement Oktober"},{"name":"From","value":"budi@example.com"}],
				"body":{"size":0},
				"parts":[
					{"mimeType":"text/plain","filename":"form.txt","body":{"data":"` + b64(integrationForm) + `"}},
					{"mimeType":"image/jpeg","filename":"taxi.jpg","body":{"data":"` + b64("TOTAL 50.000") + `"}}
				]
			}
		}`
		ghServer.RouteToHandler(http.MethodGet, "/gmail/v1/users/me/messages",
			ghttp.RespondWith(http.StatusOK, `{"messages":[{"id":"m1","threadId":"t1"}]}`))
		ghServer.RouteToHandler(http.MethodGet, "/gmail/v1/users/me/messages/m1",
			ghttp.RespondWith(http.StatusOK, message))

		source, err := mail.NewGmail(context.Background(), http.DefaultClient, option.WithEndpoint(ghServer.URL()+"/"))
		Expect(err).NotTo(HaveOccurred())

		report, err := service.Sync(context.Background(), source, "subject:reimbursement", 10, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Submissions).To(HaveLen(1))

		sub := report.Submissions[0]
		Expect(sub.Subject).To(Equal("Reimbursement Oktober"))
		Expect(sub.Status).To(Equal(submission.StatusMismatch))
		Expect(sub.Verdict.Unmatched()).To(Equal(1))

		again, err := service.Sync(context.Background(), source, "subject:reimbursement", 10, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Skipped).To(Equal(1))
		Expect(again.Submissions).To(BeEmpty())

		subs, err := service.ListSubmissions("")
		Expect(err).NotTo(HaveOccurred())
		Expect(subs).To(HaveLen(1))
	})
})
