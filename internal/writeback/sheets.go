package writeback

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsForwarder writes a saved row straight back into the source
// spreadsheet through the Google Sheets API. Row index 1 is the first data
// row below the headers, so sheet row rowIndex+1 is updated.
type SheetsForwarder struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
}

func NewSheetsForwarder(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*SheetsForwarder, error) {
	srv, err := sheets.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	return &SheetsForwarder{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

func (f *SheetsForwarder) Forward(ctx context.Context, rowIndex int, rowData []string) error {
	values := make([]interface{}, len(rowData))
	for i, cell := range rowData {
		values[i] = cell
	}

	writeRange := fmt.Sprintf("%s!A%d", f.sheetName, rowIndex+1)
	vr := &sheets.ValueRange{Values: [][]interface{}{values}}

	_, err := f.service.Spreadsheets.Values.Update(f.spreadsheetID, writeRange, vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("update sheet row %d: %w", rowIndex, err)
	}
	return nil
}
