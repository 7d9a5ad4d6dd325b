// Package calculator derives balances and report aggregates from the
// current persons and transactions. Every function is pure: no I/O, no
// hidden state, and the same inputs always produce the same outputs.
//
// Output order follows input order; callers sort for presentation.
// Malformed records never cause an error: an amount that could not be
// decoded is already zero, and a transaction of unknown type contributes
// to no sum while still being counted.
package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/mmynk/cashflow/internal/models"
)

// PersonStats is the derived balance of one person.
type PersonStats struct {
	PersonID         string
	Name             string
	TotalIncome      decimal.Decimal
	TotalExpenses    decimal.Decimal
	Balance          decimal.Decimal // TotalIncome - TotalExpenses
	TransactionCount int
}

// DashboardStats are the global totals over every transaction.
type DashboardStats struct {
	TotalBalance      decimal.Decimal
	TotalIncome       decimal.Decimal
	TotalExpenses     decimal.Decimal
	TotalPersons      int
	TotalTransactions int
}

// totals accumulates income and expenses.
type totals struct {
	income   decimal.Decimal
	expenses decimal.Decimal
	count    int
}

func (t *totals) add(tx models.Transaction) {
	t.count++
	switch tx.Type {
	case models.Income:
		t.income = t.income.Add(tx.Amount)
	case models.Expense:
		t.expenses = t.expenses.Add(tx.Amount)
	}
}

// ComputePersonStats returns one entry per person, in the order of persons.
// Transactions whose PersonID matches no person are not attributed to anyone.
func ComputePersonStats(persons []models.Person, transactions []models.Transaction) []PersonStats {
	byPerson := make(map[string]*totals, len(persons))
	for _, p := range persons {
		byPerson[p.ID] = &totals{}
	}
	for _, tx := range transactions {
		if t, ok := byPerson[tx.PersonID]; ok {
			t.add(tx)
		}
	}

	stats := make([]PersonStats, len(persons))
	for i, p := range persons {
		t := byPerson[p.ID]
		stats[i] = PersonStats{
			PersonID:         p.ID,
			Name:             p.Name,
			TotalIncome:      t.income,
			TotalExpenses:    t.expenses,
			Balance:          t.income.Sub(t.expenses),
			TransactionCount: t.count,
		}
	}
	return stats
}

// ComputeDashboardStats sums over the entire transaction list, orphaned
// transactions included, so totals always reconcile with the ledger.
func ComputeDashboardStats(persons []models.Person, transactions []models.Transaction) DashboardStats {
	var t totals
	for _, tx := range transactions {
		t.add(tx)
	}
	return DashboardStats{
		TotalBalance:      t.income.Sub(t.expenses),
		TotalIncome:       t.income,
		TotalExpenses:     t.expenses,
		TotalPersons:      len(persons),
		TotalTransactions: len(transactions),
	}
}

// Orphaned returns the transactions whose person is not in persons.
func Orphaned(persons []models.Person, transactions []models.Transaction) []models.Transaction {
	known := make(map[string]struct{}, len(persons))
	for _, p := range persons {
		known[p.ID] = struct{}{}
	}
	var orphans []models.Transaction
	for _, tx := range transactions {
		if _, ok := known[tx.PersonID]; !ok {
			orphans = append(orphans, tx)
		}
	}
	return orphans
}
