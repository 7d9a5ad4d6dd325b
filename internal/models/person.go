package models

// Person is a counterparty the user records transactions against.
type Person struct {
	// ID is assigned by the backend when the person is created.
	ID string

	// Name is the display name of the person.
	Name string

	// Notes is free text; empty when absent.
	Notes string

	// CreatedAt is the Unix timestamp when the person was created.
	CreatedAt int64

	// UpdatedAt is the Unix timestamp of the last update.
	UpdatedAt int64
}

// PersonFromRecord decodes a stored record. It never fails: absent fields
// keep their zero values.
func PersonFromRecord(id string, r Record) Person {
	return Person{
		ID:        id,
		Name:      r.String("name"),
		Notes:     r.String("notes"),
		CreatedAt: r.Int64("createdAt"),
		UpdatedAt: r.Int64("updatedAt"),
	}
}

// Record encodes the person for storage. The ID is not part of the record;
// the backend keys records by ID.
func (p Person) Record() Record {
	return Record{
		"name":      p.Name,
		"notes":     p.Notes,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}
