package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType tells whether money came in or went out.
type TransactionType string

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

// DefaultCategory is used when a transaction has no category.
const DefaultCategory = "Other"

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

// Attachment is an optional file linked to a transaction (e.g. a receipt).
type Attachment struct {
	URI      string
	MimeType string
	Name     string
}

// Date is a calendar date as stored by clients. The raw text is kept so that
// an unparseable value survives a round trip unchanged.
type Date string

var dateLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano, "2006-01"}

// Time parses the date using the accepted layouts.
func (d Date) Time() (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, string(d)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// YearMonth returns the calendar month the date falls into.
func (d Date) YearMonth() (int, time.Month, bool) {
	t, ok := d.Time()
	if !ok {
		return 0, 0, false
	}
	return t.Year(), t.Month(), true
}

// Transaction is a single income or expense event.
type Transaction struct {
	// ID is assigned by the backend when the transaction is created.
	ID string

	// PersonID references Person.ID. A transaction whose person no longer
	// exists is orphaned: it still counts toward global totals.
	PersonID string

	// Type is Income or Expense. Records with an unknown type decode with the
	// raw value and contribute to neither sum.
	Type TransactionType

	// Amount is non-negative. Non-numeric stored values decode as zero.
	Amount decimal.Decimal

	// Category groups transactions in reports. Defaults to DefaultCategory.
	Category string

	Title string
	Notes string
	Date  Date

	// Attachment is nil when the transaction has no attached file.
	Attachment *Attachment

	CreatedAt int64
	UpdatedAt int64
}

// TransactionFromRecord decodes a stored record, resolving defaults.
func TransactionFromRecord(id string, r Record) Transaction {
	amount, _ := r.Decimal("amount")
	category := r.String("category")
	if category == "" {
		category = DefaultCategory
	}

	t := Transaction{
		ID:        id,
		PersonID:  r.String("personId"),
		Type:      TransactionType(r.String("type")),
		Amount:    amount,
		Category:  category,
		Title:     r.String("title"),
		Notes:     r.String("notes"),
		Date:      Date(r.String("date")),
		CreatedAt: r.Int64("createdAt"),
		UpdatedAt: r.Int64("updatedAt"),
	}

	if a := r.Map("attachment"); a != nil && a.String("uri") != "" {
		t.Attachment = &Attachment{
			URI:      a.String("uri"),
			MimeType: a.String("mimeType"),
			Name:     a.String("name"),
		}
	}
	return t
}

// Record encodes the transaction for storage.
func (t Transaction) Record() Record {
	r := Record{
		"personId":  t.PersonID,
		"type":      string(t.Type),
		"amount":    amountValue(t.Amount),
		"category":  t.Category,
		"title":     t.Title,
		"notes":     t.Notes,
		"date":      string(t.Date),
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
	if t.Attachment != nil {
		r["attachment"] = map[string]any{
			"uri":      t.Attachment.URI,
			"mimeType": t.Attachment.MimeType,
			"name":     t.Attachment.Name,
		}
	}
	return r
}
