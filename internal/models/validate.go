package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports structurally invalid input to a write operation.
// It is raised before any backend call and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PersonInput is the user-supplied part of a person.
type PersonInput struct {
	Name  string
	Notes string
}

// ValidatePerson checks a person before it is written.
func ValidatePerson(in PersonInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "required")
	}
	return nil
}

// TransactionInput is the user-supplied part of a transaction. Amount is
// whatever the client sent (number or numeric string).
type TransactionInput struct {
	PersonID   string
	Type       string
	Amount     any
	Category   string
	Title      string
	Notes      string
	Date       string
	Attachment *Attachment
}

// ValidateTransaction checks a transaction and returns it in typed form.
// The ID and timestamps are left for the caller to fill in.
func ValidateTransaction(in TransactionInput) (Transaction, error) {
	if strings.TrimSpace(in.PersonID) == "" {
		return Transaction{}, invalid("personId", "required")
	}
	typ := TransactionType(in.Type)
	if !typ.Valid() {
		return Transaction{}, invalid("type", "unsupported value %q", in.Type)
	}
	if in.Amount == nil {
		return Transaction{}, invalid("amount", "required")
	}
	amount, err := ParseAmount(in.Amount)
	if err != nil {
		return Transaction{}, invalid("amount", "%v", err)
	}
	if strings.TrimSpace(in.Date) == "" {
		return Transaction{}, invalid("date", "required")
	}
	if _, ok := Date(in.Date).Time(); !ok {
		return Transaction{}, invalid("date", "unrecognised format %q", in.Date)
	}
	if in.Attachment != nil && in.Attachment.URI == "" {
		return Transaction{}, invalid("attachment", "uri required")
	}

	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = DefaultCategory
	}

	return Transaction{
		PersonID:   in.PersonID,
		Type:       typ,
		Amount:     amount,
		Category:   category,
		Title:      in.Title,
		Notes:      in.Notes,
		Date:       Date(in.Date),
		Attachment: in.Attachment,
	}, nil
}
