package form

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseTable", func() {
	var (
		lines []string
		rows  []Row
		err   error
	)

	JustBeforeEach(func() {
		rows, err = ParseTable(lines, DefaultDictionary())
	})

	When("the table is pipe delimited", func() {
		BeforeEach(func() {
			lines = []string{
				"FORMULIR REIMBURSEMENT",
				"Nama: Budi",
				"| No | Keterangan | Qty | Harga Satuan (Rp) | Jumlah |",
				"|----|------------|-----|-------------------|--------|",
				"| 1 | Taxi bandara | 1 | 50.000 | 50.000 |",
				"| 2 | Makan siang | 2 | 25.000 | 50.000 |",
			}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should skip the separator line", func() {
			Expect(rows).To(HaveLen(2))
		})

		It("should map cells to columns", func() {
			Expect(rows[0].Description.Text).To(Equal("Taxi bandara"))
			Expect(rows[0].Quantity.Text).To(Equal("1"))
			Expect(rows[1].UnitPrice.Text).To(Equal("25.000"))
			Expect(rows[1].Subtotal.Text).To(Equal("50.000"))
		})

		It("should mark header columns present", func() {
			Expect(rows[0].Subtotal.Present).To(BeTrue())
		})
	})

	When("the table is fixed width", func() {
		BeforeEach(func() {
			lines = []string{
				"Description        Qty   Price     Subtotal",
				"Hotel  night one   1     300,00    300,00",
				"Taxi               2     25,00     50,00",
				"Total                              350,00",
				"Approved by finance",
			}
		})

		It("should parse every data row", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))
		})

		It("should fold surplus cells into the description", func() {
			Expect(rows[0].Description.Text).To(Equal("Hotel  night one"))
			Expect(rows[0].Quantity.Text).To(Equal("1"))
		})

		It("should cut short lines by header position", func() {
			Expect(rows[2].Description.Text).To(Equal("Total"))
			Expect(rows[2].Quantity.Blank()).To(BeTrue())
			Expect(rows[2].Subtotal.Text).To(Equal("350,00"))
		})
	})

	When("the subtotal column is missing", func() {
		BeforeEach(func() {
			lines = []string{
				"Item;Quantity;Unit Price",
				"Coffee;2;15.000",
			}
		})

		It("should still parse the rows", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Subtotal.Present).To(BeFalse())
		})
	})

	When("no header carries the mandatory columns", func() {
		BeforeEach(func() {
			lines = []string{
				"Description | Amount",
				"Taxi | 50.000",
			}
		})

		It("should fail with a malformed form", func() {
			Expect(err).To(MatchError(ErrMalformedForm))
		})
	})
})
