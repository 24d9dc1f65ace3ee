// Package csvutil parses spreadsheet CSV exports.
//
// The parser is intentionally lenient: it never returns an error. Malformed
// input yields best-effort rows, which matches how the sheet export behaves
// when users type stray quotes into cells. encoding/csv is too strict for
// that (it rejects bare quotes and ragged rows), so this package carries its
// own scanner. Both the live fetch path and the sync job must parse through
// this one function so the two paths cannot drift.
package csvutil

import "strings"

// Parse converts raw CSV text into rows of cells.
//
// Rules: a quote outside a quoted field opens one; a doubled quote inside a
// quoted field emits a literal quote; a single quote inside closes it. Commas
// and line breaks only terminate fields/rows outside quotes. Both \r\n and
// bare \n end a row. Cells are not trimmed. Rows whose cells are all empty or
// whitespace-only are dropped, which also swallows the spurious row a trailing
// newline would otherwise produce.
func Parse(text string) [][]string {
	var rows [][]string
	var row []string
	var field strings.Builder
	inQuotes := false

	for i := 0; i < len(text); i++ {
		ch := text[i]

		if inQuotes {
			switch {
			case ch == '"' && i+1 < len(text) && text[i+1] == '"':
				field.WriteByte('"')
				i++
			case ch == '"':
				inQuotes = false
			default:
				field.WriteByte(ch)
			}
			continue
		}

		switch {
		case ch == '"':
			inQuotes = true
		case ch == ',':
			row = append(row, field.String())
			field.Reset()
		case ch == '\r' && i+1 < len(text) && text[i+1] == '\n':
			row = append(row, field.String())
			rows = append(rows, row)
			row = nil
			field.Reset()
			i++
		case ch == '\n':
			row = append(row, field.String())
			rows = append(rows, row)
			row = nil
			field.Reset()
		default:
			field.WriteByte(ch)
		}
	}

	if field.Len() > 0 || len(row) > 0 {
		row = append(row, field.String())
		rows = append(rows, row)
	}

	filtered := rows[:0]
	for _, r := range rows {
		if !blankRow(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
