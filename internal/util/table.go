package util

import (
	"fmt"
	"strings"
)

// TableColumn describes one column of a CLI table.
type TableColumn struct {
	Header string
	Key    string // key to extract from each row map
	width  int
}

// RenderTable prints rows as an aligned table. Column widths are computed
// from the data; cell values may carry ANSI color codes.
func RenderTable(columns []TableColumn, rows []map[string]string) {
	if len(rows) == 0 {
		fmt.Println("No devices")
		return
	}

	for i := range columns {
		columns[i].width = len(columns[i].Header)
		for _, row := range rows {
			if w := displayWidth(row[columns[i].Key]); w > columns[i].width {
				columns[i].width = w
			}
		}
	}

	var parts []string
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("%-*s", col.width, col.Header))
	}
	fmt.Println(strings.Join(parts, "  "))

	parts = parts[:0]
	for _, col := range columns {
		parts = append(parts, strings.Repeat("-", col.width))
	}
	fmt.Println(strings.Join(parts, "  "))

	for _, row := range rows {
		parts = parts[:0]
		for _, col := range columns {
			parts = append(parts, padToWidth(row[col.Key], col.width))
		}
		fmt.Println(strings.Join(parts, "  "))
	}
}

// stripANSI removes color escape sequences so padding math uses the
// visible width.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func padToWidth(s string, width int) string {
	w := displayWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
