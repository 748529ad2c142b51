package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/clinic/clinic/internal/domain/billing"
)

type column[T any] struct {
	Header string
	Width  float64
	Value  func(T) any
}

func dateCell(t time.Time) any {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

var paymentColumns = []column[*billing.Payment]{
	{"Payment ID", 38, func(p *billing.Payment) any { return p.ID }},
	{"Visit ID", 38, func(p *billing.Payment) any { return p.VisitID }},
	{"Medical record", 16, func(p *billing.Payment) any { return int64(p.PatientRecord) }},
	{"Issued", 12, func(p *billing.Payment) any { return dateCell(p.IssuedDate) }},
	{"Due", 12, func(p *billing.Payment) any { return dateCell(p.DueDate) }},
	{"Status", 14, func(p *billing.Payment) any { return string(p.Status) }},
	{"Total", 12, func(p *billing.Payment) any { return p.TotalAmount.Float64() }},
	{"Paid", 12, func(p *billing.Payment) any { return p.PaidAmount.Float64() }},
	{"Remaining", 12, func(p *billing.Payment) any { return p.RemainingAmount.Float64() }},
	{"Last payment", 14, func(p *billing.Payment) any {
		if p.LastPaymentDate == nil {
			return ""
		}
		return dateCell(*p.LastPaymentDate)
	}},
}

// workbook wraps an excelize file with a bold header style.
type workbook struct {
	f      *excelize.File
	header int
	money  int
}

func newWorkbook(creator string) (*workbook, error) {
	f := excelize.NewFile()
	if err := f.SetDocProps(&excelize.DocProperties{Creator: creator, Title: "Clinic billing report"}); err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return nil, err
	}
	numFmt := "#,##0.00"
	moneyStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	if err != nil {
		return nil, err
	}
	return &workbook{f: f, header: header, money: moneyStyle}, nil
}

func (w *workbook) sheet(name string, index int) (string, error) {
	if index == 0 {
		return name, w.f.SetSheetName(w.f.GetSheetName(0), name)
	}
	_, err := w.f.NewSheet(name)
	return name, err
}

func (w *workbook) row(sheet string, rowIdx int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowIdx)
	if err != nil {
		return err
	}
	return w.f.SetSheetRow(sheet, cell, &values)
}

func (w *workbook) headerRow(sheet string, headers []string) error {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	if err := w.row(sheet, 1, values); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	return w.f.SetCellStyle(sheet, "A1", last, w.header)
}

func (w *workbook) moneyColumns(sheet string, fromCol, toCol, rows int) error {
	if rows < 2 {
		return nil
	}
	start, _ := excelize.CoordinatesToCellName(fromCol, 2)
	end, _ := excelize.CoordinatesToCellName(toCol, rows)
	return w.f.SetCellStyle(sheet, start, end, w.money)
}

func (w *workbook) bytes() ([]byte, error) {
	defer w.f.Close()
	buf, err := w.f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// RevenueWorkbook lists the payments behind a revenue figure on one sheet and
// the period summary on another.
func RevenueWorkbook(rev *billing.Revenue, creator string) ([]byte, error) {
	w, err := newWorkbook(creator)
	if err != nil {
		return nil, err
	}
	summary, err := w.sheet("Summary", 0)
	if err != nil {
		return nil, err
	}
	if err := w.headerRow(summary, []string{"Period start", "Period end", "Payments", "Revenue"}); err != nil {
		return nil, err
	}
	if err := w.row(summary, 2, []any{dateCell(rev.Start), dateCell(rev.End), rev.Count, rev.Total.Float64()}); err != nil {
		return nil, err
	}
	if err := w.moneyColumns(summary, 4, 4, 2); err != nil {
		return nil, err
	}

	payments, err := w.sheet("Payments", 1)
	if err != nil {
		return nil, err
	}
	headers := make([]string, len(paymentColumns))
	for i, col := range paymentColumns {
		headers[i] = col.Header
		name, _ := excelize.ColumnNumberToName(i + 1)
		if err := w.f.SetColWidth(payments, name, name, col.Width); err != nil {
			return nil, err
		}
	}
	if err := w.headerRow(payments, headers); err != nil {
		return nil, err
	}
	for i, p := range rev.Payments {
		values := make([]any, len(paymentColumns))
		for c, col := range paymentColumns {
			values[c] = col.Value(p)
		}
		if err := w.row(payments, i+2, values); err != nil {
			return nil, err
		}
	}
	if err := w.moneyColumns(payments, 7, 9, len(rev.Payments)+1); err != nil {
		return nil, err
	}
	return w.bytes()
}

// PatientCostWorkbook writes the monthly breakdown followed by the visits it
// was computed from.
func PatientCostWorkbook(pc *billing.PatientCost, creator string) ([]byte, error) {
	w, err := newWorkbook(creator)
	if err != nil {
		return nil, err
	}
	months, err := w.sheet("Months", 0)
	if err != nil {
		return nil, err
	}
	if err := w.headerRow(months, []string{"Month", "Cost"}); err != nil {
		return nil, err
	}
	for i, m := range pc.Months {
		if err := w.row(months, i+2, []any{time.Month(i + 1).String(), m.Float64()}); err != nil {
			return nil, err
		}
	}
	if err := w.row(months, 14, []any{"Total", pc.Total.Float64()}); err != nil {
		return nil, err
	}
	if err := w.f.SetCellStyle(months, "A14", "B14", w.header); err != nil {
		return nil, err
	}
	if err := w.moneyColumns(months, 2, 2, 13); err != nil {
		return nil, err
	}

	visits, err := w.sheet("Visits", 1)
	if err != nil {
		return nil, err
	}
	if err := w.headerRow(visits, []string{"Visit ID", "Date", "Specialist", "Service", "Medication", "Total"}); err != nil {
		return nil, err
	}
	for i, v := range pc.Visits {
		row := []any{v.ID, dateCell(v.VisitDate), string(v.SpecialistID), v.ServiceCost.Float64(), v.MedicationCost.Float64(), v.TotalCost().Float64()}
		if err := w.row(visits, i+2, row); err != nil {
			return nil, err
		}
	}
	if err := w.moneyColumns(visits, 4, 6, len(pc.Visits)+1); err != nil {
		return nil, err
	}
	return w.bytes()
}
