// Package models defines the core domain models for Cashflow.
//
// # Records and typed models
//
// The remote collection backend stores schemaless records (JSON-shaped maps).
// Typed models are decoded from records exactly once, at the boundary between
// the collection store and the aggregation engine:
//   - Person: a counterparty owned by one identity
//   - Transaction: an income or expense event attributed to a person
//   - User: an authenticated account whose ID is the identity key
//
// Decoding never fails. Missing or malformed fields fall back to zero values so
// that one bad record cannot blank a derived view. Validation of user input
// happens before records are written (see ValidatePerson, ValidateTransaction).
//
// # Design Principles
//
// 1. **Defaults resolved once**: consumers never re-check optional fields
// 2. **IDs, not pointers**: transactions reference persons by ID string
// 3. **Exact money**: amounts are decimal.Decimal, never float64
package models
