package service

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/cashflow/internal/calculator"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/models"
)

// Messages are google.protobuf.Struct values. Amounts are sent as decimal
// strings so they survive the float64 number type of Struct unchanged.

func stringField(msg *structpb.Struct, key string) string {
	if msg == nil {
		return ""
	}
	if v, ok := msg.GetFields()[key]; ok {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			return s.StringValue
		}
	}
	return ""
}

func intField(msg *structpb.Struct, key string) int {
	if msg == nil {
		return 0
	}
	if v, ok := msg.GetFields()[key]; ok {
		if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			return int(n.NumberValue)
		}
	}
	return 0
}

// anyField returns the field as a plain Go value, or nil when absent or null.
func anyField(msg *structpb.Struct, key string) any {
	if msg == nil {
		return nil
	}
	v, ok := msg.GetFields()[key]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

func personInput(msg *structpb.Struct) models.PersonInput {
	return models.PersonInput{
		Name:  stringField(msg, "name"),
		Notes: stringField(msg, "notes"),
	}
}

func transactionInput(msg *structpb.Struct) models.TransactionInput {
	in := models.TransactionInput{
		PersonID: stringField(msg, "personId"),
		Type:     stringField(msg, "type"),
		Amount:   anyField(msg, "amount"),
		Category: stringField(msg, "category"),
		Title:    stringField(msg, "title"),
		Notes:    stringField(msg, "notes"),
		Date:     stringField(msg, "date"),
	}
	if a := msg.GetFields()["attachment"].GetStructValue(); a != nil {
		in.Attachment = &models.Attachment{
			URI:      stringField(a, "uri"),
			MimeType: stringField(a, "mimeType"),
			Name:     stringField(a, "name"),
		}
	}
	return in
}

func personMap(p models.Person) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"notes":     p.Notes,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}

func transactionMap(t models.Transaction) map[string]any {
	m := map[string]any{
		"id":        t.ID,
		"personId":  t.PersonID,
		"type":      string(t.Type),
		"amount":    t.Amount.String(),
		"category":  t.Category,
		"title":     t.Title,
		"notes":     t.Notes,
		"date":      string(t.Date),
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
	if t.Attachment != nil {
		m["attachment"] = map[string]any{
			"uri":      t.Attachment.URI,
			"mimeType": t.Attachment.MimeType,
			"name":     t.Attachment.Name,
		}
	}
	return m
}

func personStatsMap(s calculator.PersonStats) map[string]any {
	return map[string]any{
		"personId":         s.PersonID,
		"name":             s.Name,
		"totalIncome":      s.TotalIncome.String(),
		"totalExpenses":    s.TotalExpenses.String(),
		"balance":          s.Balance.String(),
		"transactionCount": s.TransactionCount,
	}
}

func dashboardMap(d calculator.DashboardStats) map[string]any {
	return map[string]any{
		"totalBalance":      d.TotalBalance.String(),
		"totalIncome":       d.TotalIncome.String(),
		"totalExpenses":     d.TotalExpenses.String(),
		"totalPersons":      d.TotalPersons,
		"totalTransactions": d.TotalTransactions,
	}
}

// viewMap renders the state of a coordinator and, when present, its view.
func viewMap(state coordinator.State, serr *coordinator.SyncError, v *coordinator.View) map[string]any {
	m := map[string]any{"state": state.String()}
	if serr != nil {
		m["error"] = map[string]any{"code": string(serr.Code), "message": serr.Message}
	}
	if v == nil {
		return m
	}

	persons := make([]any, len(v.Persons))
	for i, p := range v.Persons {
		persons[i] = personMap(p)
	}
	transactions := make([]any, len(v.Transactions))
	for i, t := range v.Transactions {
		transactions[i] = transactionMap(t)
	}
	stats := make([]any, len(v.PersonStats))
	for i, s := range v.PersonStats {
		stats[i] = personStatsMap(s)
	}

	m["version"] = v.Version
	m["identity"] = v.Identity
	m["persons"] = persons
	m["transactions"] = transactions
	m["personStats"] = stats
	m["dashboard"] = dashboardMap(v.Dashboard)
	return m
}

func reportMap(months []calculator.MonthTotals, categories []calculator.CategoryTotals) map[string]any {
	ms := make([]any, len(months))
	for i, m := range months {
		ms[i] = map[string]any{
			"year":     m.Year,
			"month":    int(m.Month),
			"label":    m.Label,
			"income":   m.Income.String(),
			"expenses": m.Expenses.String(),
			"net":      m.Net.String(),
		}
	}
	cs := make([]any, len(categories))
	for i, c := range categories {
		cs[i] = map[string]any{
			"category": c.Category,
			"income":   c.Income.String(),
			"expenses": c.Expenses.String(),
			"count":    c.Count,
			"total":    c.Total.String(),
		}
	}
	return map[string]any{"months": ms, "categories": cs}
}

func userMap(u *models.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"createdAt":   u.CreatedAt,
	}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return s, nil
}
