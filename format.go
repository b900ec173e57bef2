package main

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// Output formats.
const (
	FormatJSON  = "json"
	FormatCSV   = "csv"
	FormatTable = "table"
)

const noResultsMessage = "No results found."

// formatResults renders rows per the requested format. json passes the rows
// through untouched; csv and table render to text. Unknown formats fall back
// to json, matching the lenient original behavior.
func formatResults(rows []map[string]any, columns []string, format string) any {
	switch format {
	case FormatCSV:
		return formatCSV(rows, columns)
	case FormatTable:
		return formatTable(rows, columns)
	default:
		if rows == nil {
			return []map[string]any{}
		}
		return rows
	}
}

func formatCSV(rows []map[string]any, columns []string) string {
	if len(rows) == 0 {
		return ""
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)

	w.Write(columns)
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = cellString(row[col])
		}
		w.Write(record)
	}
	w.Flush()
	return buf.String()
}

// formatTable renders a bordered fixed-width grid. Each column is as wide as
// the longer of its header and its widest value.
func formatTable(rows []map[string]any, columns []string) string {
	if len(rows) == 0 {
		return noResultsMessage
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
		for _, row := range rows {
			if n := len(cellString(row[col])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var separator strings.Builder
	separator.WriteString("+")
	for _, w := range widths {
		separator.WriteString(strings.Repeat("-", w+2))
		separator.WriteString("+")
	}
	sep := separator.String()

	line := func(values []string) string {
		var b strings.Builder
		b.WriteString("|")
		for i, v := range values {
			fmt.Fprintf(&b, " %-*s |", widths[i], v)
		}
		return b.String()
	}

	lines := []string{sep, line(columns), sep}
	cells := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			cells[i] = cellString(row[col])
		}
		lines = append(lines, line(cells))
	}
	lines = append(lines, sep)

	return strings.Join(lines, "\n")
}

// cellString is the plain string conversion used for csv and table cells.
// NULLs render empty.
func cellString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
