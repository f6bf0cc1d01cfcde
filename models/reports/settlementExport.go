package reports

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	SheetLines    = "Lines"
	SheetSales    = "Sales"
	SheetWarnings = "Warnings"

	XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type ExcelExporter interface {
	GetCellValues() []interface{}
}

type lineRow struct {
	settlement.LineResult
	Allocated int
	Remaining int
}

func (r lineRow) GetCellValues() []interface{} {
	return []interface{}{r.ProductId, r.QuantityShipped, r.QuantityReturned, r.QuantitySold, r.Allocated, r.Remaining}
}

type saleRow struct {
	DraftName  string
	CustomerId int
	settlement.SaleAllocation
}

func (r saleRow) GetCellValues() []interface{} {
	var unit, total interface{}
	if r.UnitValue != nil {
		unit = r.UnitValue.InexactFloat64()
		total = r.ValueTotal().InexactFloat64()
	}
	return []interface{}{r.DraftName, r.CustomerId, r.ProductId, r.Quantity, unit, total, r.Note}
}

type warningRow struct {
	Kind   string
	Detail string
}

func (r warningRow) GetCellValues() []interface{} {
	return []interface{}{r.Kind, r.Detail}
}

// BuildSettlementWorkbook renders the session's line results, draft sales and
// warnings into three sheets.
func BuildSettlementWorkbook(s *settlement.Session) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetLines); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetSales, SheetWarnings} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	ledger := s.Ledger()
	lines := make([]ExcelExporter, 0)
	for _, l := range s.Lines() {
		lines = append(lines, lineRow{LineResult: l, Allocated: ledger.Allocated(l.ProductId), Remaining: ledger.Remaining(l.ProductId)})
	}
	if err := writeSheet(f, SheetLines, []string{"Product", "Shipped", "Returned", "Sold", "Allocated", "Remaining"}, lines); err != nil {
		return nil, err
	}

	consignment := s.Consignment()
	sales := make([]ExcelExporter, 0)
	for _, d := range ledger.Drafts() {
		customerId := utils.DereferencePtr(d.CustomerId, consignment.CustomerId)
		for _, a := range d.Allocations {
			sales = append(sales, saleRow{DraftName: d.Name, CustomerId: customerId, SaleAllocation: a})
		}
	}
	if err := writeSheet(f, SheetSales, []string{"Sale", "Customer", "Product", "Quantity", "Unit Value", "Total", "Note"}, sales); err != nil {
		return nil, err
	}

	classification := s.Classification()
	warnings := make([]ExcelExporter, 0)
	for _, w := range classification.Unrecognized {
		warnings = append(warnings, warningRow{Kind: "Unrecognized", Detail: w.String()})
	}
	for _, w := range classification.OverReturns {
		warnings = append(warnings, warningRow{Kind: "Over-return", Detail: w.String()})
	}
	if err := writeSheet(f, SheetWarnings, []string{"Type", "Detail"}, warnings); err != nil {
		return nil, err
	}
	return f, nil
}

func WriteSettlementWorkbook(w io.Writer, s *settlement.Session) error {
	f, err := BuildSettlementWorkbook(s)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func SettlementWorkbookBytes(s *settlement.Session) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteSettlementWorkbook(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportObjectName is the GCS object path of a settlement workbook.
func ExportObjectName(businessId string, consignmentId int, at time.Time) string {
	return fmt.Sprintf("settlements/%s/consignment-%d-%s.xlsx", businessId, consignmentId, at.UTC().Format("20060102T150405Z"))
}

func writeSheet(f *excelize.File, sheetName string, headers []string, rows []ExcelExporter) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	for rowNo, r := range rows {
		for i, value := range r.GetCellValues() {
			if value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}
