// Package export renders the mirrored sheet as a downloadable workbook.
package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"sheetbridge/api/internal/store"
)

const sheetName = "Mirror"

// XLSX builds an Excel workbook from the mirror: one header row, then data
// rows in row-index order. headers decides the column order; mirror rows
// missing a column get an empty cell.
func XLSX(headers []string, rows []store.MirrorRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	headerCells := make([]interface{}, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	if err := setRow(f, 1, headerCells); err != nil {
		return nil, err
	}

	for i, row := range rows {
		cells := make([]interface{}, len(headers))
		for j, header := range headers {
			cells[j] = row.RowData[header]
		}
		if err := setRow(f, i+2, cells); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, rowNum int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("cell name for row %d: %w", rowNum, err)
	}
	if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
		return fmt.Errorf("set row %d: %w", rowNum, err)
	}
	return nil
}
