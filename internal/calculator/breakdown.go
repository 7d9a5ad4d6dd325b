package calculator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/cashflow/internal/models"
)

// DefaultMonthCount is the number of months in a monthly breakdown when the
// caller does not ask for a positive count.
const DefaultMonthCount = 6

// MonthTotals is one calendar month of a monthly breakdown.
type MonthTotals struct {
	Year     int
	Month    time.Month
	Label    string // YYYY-MM
	Income   decimal.Decimal
	Expenses decimal.Decimal
	Net      decimal.Decimal
}

// CategoryTotals aggregates one category.
type CategoryTotals struct {
	Category string
	Income   decimal.Decimal
	Expenses decimal.Decimal
	Count    int
	Total    decimal.Decimal // Income + Expenses
}

// ComputeMonthlyBreakdown buckets transactions into the monthCount calendar
// months ending with the month of now, oldest first. Transactions outside
// the window or with an unparseable date are skipped.
func ComputeMonthlyBreakdown(transactions []models.Transaction, monthCount int, now time.Time) []MonthTotals {
	if monthCount < 1 {
		monthCount = DefaultMonthCount
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(monthCount - 1), 0)
	months := make([]MonthTotals, monthCount)
	index := make(map[string]int, monthCount)
	for i := range months {
		m := start.AddDate(0, i, 0)
		label := fmt.Sprintf("%04d-%02d", m.Year(), int(m.Month()))
		months[i] = MonthTotals{Year: m.Year(), Month: m.Month(), Label: label}
		index[label] = i
	}

	for _, tx := range transactions {
		year, month, ok := tx.Date.YearMonth()
		if !ok {
			continue
		}
		i, ok := index[fmt.Sprintf("%04d-%02d", year, int(month))]
		if !ok {
			continue
		}
		switch tx.Type {
		case models.Income:
			months[i].Income = months[i].Income.Add(tx.Amount)
		case models.Expense:
			months[i].Expenses = months[i].Expenses.Add(tx.Amount)
		}
	}

	for i := range months {
		months[i].Net = months[i].Income.Sub(months[i].Expenses)
	}
	return months
}

// ComputeCategoryBreakdown groups transactions by category in order of first
// appearance. An empty category falls into models.DefaultCategory.
func ComputeCategoryBreakdown(transactions []models.Transaction) []CategoryTotals {
	var categories []CategoryTotals
	index := make(map[string]int)

	for _, tx := range transactions {
		name := tx.Category
		if name == "" {
			name = models.DefaultCategory
		}
		i, ok := index[name]
		if !ok {
			i = len(categories)
			index[name] = i
			categories = append(categories, CategoryTotals{Category: name})
		}

		c := &categories[i]
		c.Count++
		switch tx.Type {
		case models.Income:
			c.Income = c.Income.Add(tx.Amount)
		case models.Expense:
			c.Expenses = c.Expenses.Add(tx.Amount)
		}
	}

	for i := range categories {
		categories[i].Total = categories[i].Income.Add(categories[i].Expenses)
	}
	return categories
}
