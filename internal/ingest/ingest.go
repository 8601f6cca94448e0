// Package ingest reads bulk owner-import files (CSV and XLSX) into
// import rows keyed by raw address.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/propenrich/internal/enrich"
)

// Column aliases accepted in import file headers, normalized to lowercase
// with spaces collapsed to underscores.
var columnAliases = map[string]string{
	"address":          "address",
	"property_address": "address",
	"raw_address":      "address",
	"owner_name":       "owner_name",
	"name":             "owner_name",
	"owner":            "owner_name",
	"email":            "email",
	"owner_email":      "email",
	"phone":            "phone",
	"owner_phone":      "phone",
	"phone_number":     "phone",
	"mailing_address":  "mailing_address",
	"mailing":          "mailing_address",
}

// ReadFile reads an owner import file, dispatching on extension.
func ReadFile(path string) ([]enrich.ImportRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: open csv")
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		return ReadXLSX(path)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV parses owner import rows from CSV. The first row must be a
// header naming at least an address column.
func ReadCSV(r io.Reader) ([]enrich.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	var rows []enrich.ImportRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read csv row")
		}
		if row, ok := buildRow(cols, record); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ReadXLSX parses owner import rows from the first sheet of an XLSX file.
func ReadXLSX(path string) ([]enrich.ImportRow, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: xlsx has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.New("ingest: xlsx sheet is empty")
	}

	cols, err := mapHeader(rowToStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	var rows []enrich.ImportRow
	for _, r := range sheet.Rows[1:] {
		if row, ok := buildRow(cols, rowToStrings(r)); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// mapHeader resolves header cells to canonical column names. Unknown
// columns are ignored so files with extra data import cleanly.
func mapHeader(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, cell := range header {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cell)), " ", "_")
		if canonical, ok := columnAliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	if _, ok := cols["address"]; !ok {
		return nil, eris.New("ingest: no address column in header")
	}
	return cols, nil
}

// buildRow assembles one import row; rows without an address are dropped.
func buildRow(cols map[string]int, record []string) (enrich.ImportRow, bool) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	row := enrich.ImportRow{
		RawAddress:     get("address"),
		OwnerName:      get("owner_name"),
		Email:          get("email"),
		Phone:          get("phone"),
		MailingAddress: get("mailing_address"),
	}
	if row.RawAddress == "" {
		return enrich.ImportRow{}, false
	}
	return row, true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
