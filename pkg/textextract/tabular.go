package textextract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// columnName is the header of column i, or its position when the header
// cell is missing or blank.
func columnName(header []string, i int) string {
	if i < len(header) {
		if name := strings.TrimSpace(header[i]); name != "" {
			return name
		}
	}
	return "column_" + strconv.Itoa(i+1)
}

// renderRow joins header/value pairs as "column: value" lines.
func renderRow(header, row []string) string {
	var b strings.Builder
	for i, v := range row {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		name := columnName(header, i)
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

func tableRecords(rows [][]string, kv ...string) []Record {
	if len(rows) == 0 {
		return nil
	}
	header := rows[0]
	columns := make([]string, len(header))
	for i := range header {
		columns[i] = columnName(header, i)
	}
	var out []Record
	for i, row := range rows[1:] {
		text := renderRow(header, row)
		if text == "" {
			continue
		}
		meta := append(append([]string(nil), kv...), "row", strconv.Itoa(i+2))
		rec := newRecord(text, meta...)
		rec.Columns = columns
		out = append(out, rec)
	}
	return out
}

var utf8BOM = []byte("\ufeff")

func extractCSV(data []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, row)
	}
	return tableRecords(rows), nil
}

func extractXLSX(data []byte) ([]Record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var out []Record
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		out = append(out, tableRecords(rows, "sheet", sheet)...)
	}
	return out, nil
}

func extractXLS(data []byte) ([]Record, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}

	var out []Record
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			// LastCol is one past the last cell.
			cells := make([]string, row.LastCol())
			for c := range cells {
				cells[c] = row.Col(c)
			}
			rows = append(rows, cells)
		}
		out = append(out, tableRecords(rows, "sheet", sheet.Name)...)
	}
	return out, nil
}
