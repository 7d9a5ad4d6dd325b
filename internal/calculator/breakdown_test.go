package calculator

import (
	"testing"
	"time"

	"github.com/mmynk/cashflow/internal/models"
)

func dated(id string, typ models.TransactionType, amount, date, category string) models.Transaction {
	t := tx(id, "p1", typ, amount)
	t.Date = models.Date(date)
	t.Category = category
	return t
}

func TestComputeMonthlyBreakdown(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	transactions := []models.Transaction{
		dated("t1", models.Income, "100", "2026-03-01", "Salary"),
		dated("t2", models.Expense, "40", "2026-03-20", "Food"),
		dated("t3", models.Expense, "10", "2025-12-31", "Food"),
		dated("t4", models.Income, "999", "2025-09-30", "Salary"), // before the window
		dated("t5", models.Income, "1", "not-a-date", "Salary"),
		dated("t6", models.Expense, "5", "2026-01-10T08:00:00Z", "Transport"),
	}

	got := ComputeMonthlyBreakdown(transactions, 4, now)

	wantLabels := []string{"2025-12", "2026-01", "2026-02", "2026-03"}
	if len(got) != len(wantLabels) {
		t.Fatalf("got %d months, want %d", len(got), len(wantLabels))
	}
	for i, label := range wantLabels {
		if got[i].Label != label {
			t.Errorf("months[%d].Label = %s, want %s", i, got[i].Label, label)
		}
	}

	checks := []struct {
		i        int
		income   string
		expenses string
		net      string
	}{
		{0, "0", "10", "-10"},
		{1, "0", "5", "-5"},
		{2, "0", "0", "0"},
		{3, "100", "40", "60"},
	}
	for _, c := range checks {
		m := got[c.i]
		if !m.Income.Equal(d(c.income)) || !m.Expenses.Equal(d(c.expenses)) || !m.Net.Equal(d(c.net)) {
			t.Errorf("%s = income %s expenses %s net %s; want %s/%s/%s",
				m.Label, m.Income, m.Expenses, m.Net, c.income, c.expenses, c.net)
		}
	}
}

func TestComputeMonthlyBreakdownDefaultsToSixMonths(t *testing.T) {
	now := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := ComputeMonthlyBreakdown(nil, 0, now)
	if len(got) != DefaultMonthCount {
		t.Fatalf("got %d months, want %d", len(got), DefaultMonthCount)
	}
	if got[0].Label != "2025-08" || got[5].Label != "2026-01" {
		t.Errorf("window = %s..%s, want 2025-08..2026-01", got[0].Label, got[5].Label)
	}
}

func TestComputeCategoryBreakdown(t *testing.T) {
	transactions := []models.Transaction{
		dated("t1", models.Expense, "12.5", "2026-03-01", "Food"),
		dated("t2", models.Income, "100", "2026-03-01", "Salary"),
		dated("t3", models.Expense, "7.5", "2026-03-02", "Food"),
		dated("t4", models.Income, "3", "2026-03-02", ""),
		dated("t5", models.Expense, "2", "2026-03-02", models.DefaultCategory),
	}

	got := ComputeCategoryBreakdown(transactions)

	want := []struct {
		category string
		income   string
		expenses string
		count    int
		total    string
	}{
		{"Food", "0", "20", 2, "20"},
		{"Salary", "100", "0", 1, "100"},
		{models.DefaultCategory, "3", "2", 2, "5"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d categories, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		g := got[i]
		if g.Category != w.category || g.Count != w.count ||
			!g.Income.Equal(d(w.income)) || !g.Expenses.Equal(d(w.expenses)) || !g.Total.Equal(d(w.total)) {
			t.Errorf("categories[%d] = %s income %s expenses %s count %d total %s; want %+v",
				i, g.Category, g.Income, g.Expenses, g.Count, g.Total, w)
		}
	}
}
