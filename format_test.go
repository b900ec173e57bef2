package main

import (
	"reflect"
	"strings"
	"testing"
)

func TestFormatResults_JSONPassthrough(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "name": "alice"},
		{"id": 2, "name": "bob"},
	}
	columns := []string{"id", "name"}

	got := formatResults(rows, columns, FormatJSON)
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("Expected rows passed through unchanged, got %v", got)
	}

	// Unknown formats fall back to json.
	got = formatResults(rows, columns, "yaml")
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("Expected fallback to json passthrough, got %v", got)
	}
}

func TestFormatResults_JSONNilRows(t *testing.T) {
	got := formatResults(nil, []string{"id"}, FormatJSON)
	rows, ok := got.([]map[string]any)
	if !ok {
		t.Fatalf("Expected []map[string]any, got %T", got)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", rows)
	}
}

func TestFormatCSV(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "name": "alice", "note": nil},
		{"id": 2, "name": "bob, jr.", "note": "x"},
	}
	columns := []string{"id", "name", "note"}

	got := formatResults(rows, columns, FormatCSV).(string)
	expected := "id,name,note\n" +
		"1,alice,\n" +
		"2,\"bob, jr.\",x\n"
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestFormatCSV_Empty(t *testing.T) {
	got := formatResults(nil, []string{"id"}, FormatCSV).(string)
	if got != "" {
		t.Errorf("Expected empty string for no rows, got %q", got)
	}
}

func TestFormatTable(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "name": "alice"},
		{"id": 2, "name": "b"},
	}
	columns := []string{"id", "name"}

	got := formatResults(rows, columns, FormatTable).(string)
	expected := strings.Join([]string{
		"+----+-------+",
		"| id | name  |",
		"+----+-------+",
		"| 1  | alice |",
		"| 2  | b     |",
		"+----+-------+",
	}, "\n")
	if got != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, got)
	}
}

func TestFormatTable_WideValues(t *testing.T) {
	rows := []map[string]any{
		{"c": "longer than header", "n": nil},
	}
	columns := []string{"c", "n"}

	got := formatResults(rows, columns, FormatTable).(string)
	expected := strings.Join([]string{
		"+--------------------+---+",
		"| c                  | n |",
		"+--------------------+---+",
		"| longer than header |   |",
		"+--------------------+---+",
	}, "\n")
	if got != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, got)
	}
}

func TestFormatTable_Empty(t *testing.T) {
	got := formatResults(nil, []string{"id"}, FormatTable).(string)
	if got != noResultsMessage {
		t.Errorf("Expected %q, got %q", noResultsMessage, got)
	}
}

func TestCellString(t *testing.T) {
	tests := []struct {
		value    any
		expected string
	}{
		{nil, ""},
		{"text", "text"},
		{42, "42"},
		{3.5, "3.5"},
		{true, "true"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := cellString(tc.value); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}
