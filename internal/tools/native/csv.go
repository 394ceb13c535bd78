package native

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	csvMaxBytes = 100 * 1024
	csvMaxRows  = 10000
	emptyGroup  = "(empty)"
)

// CSVOperations lists the aggregations analyze_csv supports.
var CSVOperations = []string{"sum", "avg", "min", "max", "count", "median"}

var leadingFloat = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)

// ParseCSV splits text into trimmed rows. The separator is ";" when the
// header line has more semicolons than commas, otherwise ",". Rows whose
// cells are all empty are dropped.
func ParseCSV(text string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = detectSeparator(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse CSV: %w", err)
		}
		empty := true
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
			if record[i] != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, record)
		}
	}
	return rows, nil
}

func detectSeparator(text string) rune {
	header := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		header = text[:i]
	}
	if strings.Count(header, ";") > strings.Count(header, ",") {
		return ';'
	}
	return ','
}

// parseCSVNumber accepts values like "1 234,5" and "12.5kg": whitespace is
// removed, the first comma becomes a decimal point and the longest numeric
// prefix is used.
func parseCSVNumber(cell string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, cell)
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	prefix := leadingFloat.FindString(cleaned)
	if prefix == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(prefix, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func aggregate(op string, values []float64) float64 {
	if op == "count" {
		return float64(len(values))
	}
	if len(values) == 0 {
		return 0
	}
	switch op {
	case "avg":
		return round2(sum(values) / float64(len(values)))
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return round2(m)
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return round2(m)
	case "median":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return round2((sorted[mid-1] + sorted[mid]) / 2)
		}
		return round2(sorted[mid])
	default:
		return round2(sum(values))
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func findColumn(header []string, name string) (int, error) {
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("Column %q not found. Available columns: %s", name, strings.Join(header, ", "))
}

type groupResult struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// AnalyzeCSV aggregates column over the rows of data, optionally grouped by
// another column.
func AnalyzeCSV(data, column, operation, groupBy string) (map[string]any, error) {
	if len(data) > csvMaxBytes {
		return nil, fmt.Errorf("CSV data too large (max %dKB)", csvMaxBytes/1024)
	}
	if operation == "" {
		operation = "sum"
	}
	valid := false
	for _, op := range CSVOperations {
		if op == operation {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("unknown operation %q", operation)
	}

	rows, err := ParseCSV(data)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.New("CSV must contain a header row and at least one data row")
	}
	header, body := rows[0], rows[1:]
	if len(body) > csvMaxRows {
		return nil, fmt.Errorf("too many rows (max %d)", csvMaxRows)
	}

	col, err := findColumn(header, column)
	if err != nil {
		return nil, err
	}
	cell := func(row []string, i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}

	if groupBy != "" {
		groupCol, err := findColumn(header, groupBy)
		if err != nil {
			return nil, err
		}
		buckets := make(map[string][]float64)
		for _, row := range body {
			key := cell(row, groupCol)
			if key == "" {
				key = emptyGroup
			}
			if _, ok := buckets[key]; !ok {
				buckets[key] = nil
			}
			if v, ok := parseCSVNumber(cell(row, col)); ok {
				buckets[key] = append(buckets[key], v)
			}
		}
		groups := make(map[string]groupResult, len(buckets))
		for key, values := range buckets {
			groups[key] = groupResult{Value: aggregate(operation, values), Count: len(values)}
		}
		return map[string]any{
			"operation": operation,
			"column":    header[col],
			"groupBy":   header[groupCol],
			"totalRows": len(body),
			"groups":    groups,
		}, nil
	}

	var values []float64
	for _, row := range body {
		if v, ok := parseCSVNumber(cell(row, col)); ok {
			values = append(values, v)
		}
	}
	return map[string]any{
		"operation":   operation,
		"column":      header[col],
		"totalRows":   len(body),
		"validValues": len(values),
		"result":      aggregate(operation, values),
	}, nil
}
