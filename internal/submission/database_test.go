package submission

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	newSubmission := func(id, messageID string) *Submission {
		item := form.ClaimedItem{
			Line:        1,
			Description: "Taxi bandara",
			Quantity:    1,
			UnitPrice:   money.New(5000000, "IDR"),
			Subtotal:    money.New(5000000, "IDR"),
		}
		obs := receipt.ObservedAmount{Value: money.New(5000000, "IDR"), ReceiptID: "taxi.jpg", Confidence: 1}
		declared := money.New(5000000, "IDR")
		return &Submission{
			ID:         id,
			MessageID:  messageID,
			Subject:    "Reimbursement Oktober",
			From:       "budi@example.com",
			ReceivedAt: time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC),
			Status:     StatusOK,
			Form: &form.Form{
				Currency:      "IDR",
				Items:         []form.ClaimedItem{item},
				DeclaredTotal: &declared,
			},
			Amounts:              []receipt.ObservedAmount{obs},
			ReceiptsWithoutTotal: []string{},
			Verdict: &reconcile.Verdict{
				Currency:       "IDR",
				Matches:        []reconcile.MatchRecord{{Item: item, Observed: &obs, Kind: reconcile.Exact}},
				UnusedReceipts: []receipt.ObservedAmount{},
				Status:         reconcile.StatusOK,
			},
			Attachments: []StoredAttachment{{Name: "taxi.jpg", Path: id + "/taxi.jpg", ContentType: "image/jpeg", Role: RoleReceipt}},
			CreatedAt:   time.Date(2026, 10, 12, 9, 1, 0, 0, time.UTC),
		}
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveSubmission", func() {
		var (
			sub *Submission
			err error
		)

		BeforeEach(func() {
			sub = newSubmission("sub-1", "msg-1")
		})

		JustBeforeEach(func() {
			err = db.SaveSubmission(sub)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the submission to the database", func() {
				saved, getErr := db.GetSubmission("sub-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.ID).To(Equal("sub-1"))
			})

			It("should mark the message as processed", func() {
				id, getErr := db.SubmissionForMessage("msg-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(id).To(Equal("sub-1"))
			})
		})

		When("the submission did not come from mail", func() {
			BeforeEach(func() {
				sub.MessageID = ""
			})

			It("should not record a message marker", func() {
				Expect(err).NotTo(HaveOccurred())
				id, getErr := db.SubmissionForMessage("")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(id).To(BeEmpty())
			})
		})
	})

	Describe("GetSubmission", func() {
		var (
			id  string
			sub *Submission
			err error
		)

		JustBeforeEach(func() {
			sub, err = db.GetSubmission(id)
		})

		When("submission exists", func() {
			BeforeEach(func() {
				id = "sub-1"
				Expect(db.SaveSubmission(newSubmission("sub-1", "msg-1"))).To(Succeed())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should restore the form", func() {
				Expect(sub.Form.Items).To(HaveLen(1))
				Expect(sub.Form.Items[0].Subtotal).To(Equal(money.New(5000000, "IDR")))
			})

			It("should restore the declared total", func() {
				Expect(sub.Form.DeclaredTotal).NotTo(BeNil())
				Expect(*sub.Form.DeclaredTotal).To(Equal(money.New(5000000, "IDR")))
			})

			It("should restore the verdict", func() {
				Expect(sub.Verdict.Status).To(Equal(reconcile.StatusOK))
				Expect(sub.Verdict.Matches[0].Observed.ReceiptID).To(Equal("taxi.jpg"))
			})

			It("should restore the timestamps", func() {
				Expect(sub.ReceivedAt).To(BeTemporally("==", time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)))
			})
		})

		When("submission does not exist", func() {
			BeforeEach(func() {
				id = "nonexistent"
			})

			It("should return ErrNotFound", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})

			It("should return nil", func() {
				Expect(sub).To(BeNil())
			})
		})
	})

	Describe("ListSubmissions", func() {
		var (
			subs []*Submission
			err  error
		)

		JustBeforeEach(func() {
			subs, err = db.ListSubmissions()
		})

		When("submissions exist", func() {
			BeforeEach(func() {
				Expect(db.SaveSubmission(newSubmission("sub-1", "msg-1"))).To(Succeed())
				Expect(db.SaveSubmission(newSubmission("sub-2", "msg-2"))).To(Succeed())
			})

			It("should return all submissions", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(subs).To(HaveLen(2))
			})
		})

		When("no submissions exist", func() {
			It("should return an empty list", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(subs).NotTo(BeNil())
				Expect(subs).To(BeEmpty())
			})
		})
	})

	Describe("DeleteSubmission", func() {
		var (
			id  string
			err error
		)

		JustBeforeEach(func() {
			err = db.DeleteSubmission(id)
		})

		When("submission exists", func() {
			BeforeEach(func() {
				id = "sub-1"
				Expect(db.SaveSubmission(newSubmission("sub-1", "msg-1"))).To(Succeed())
			})

			It("should remove the submission", func() {
				Expect(err).NotTo(HaveOccurred())
				_, getErr := db.GetSubmission("sub-1")
				Expect(getErr).To(MatchError(ErrNotFound))
			})

			It("should forget the message so it can be processed again", func() {
				messageSub, getErr := db.SubmissionForMessage("msg-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(messageSub).To(BeEmpty())
			})
		})

		When("submission does not exist", func() {
			BeforeEach(func() {
				id = "nonexistent"
			})

			It("should return ErrNotFound", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("reopening the database", func() {
		BeforeEach(func() {
			Expect(db.SaveSubmission(newSubmission("sub-1", "msg-1"))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should keep submissions and message markers", func() {
			_, err := db.GetSubmission("sub-1")
			Expect(err).NotTo(HaveOccurred())
			id, err := db.SubmissionForMessage("msg-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("sub-1"))
		})
	})
})
