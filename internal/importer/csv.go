package importer

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// CSV PARSER & COLUMN DETECTOR
// =============================================================================
// Parses delimited text into string-keyed rows, infers column semantic types
// by sampling values, and scores candidate mappings from CSV headers to
// subscriber fields. Malformed rows are collected as parse errors rather than
// aborting the file; the import proceeds with whatever parsed.

// ColumnType is the inferred semantic type of a CSV column.
type ColumnType string

const (
	ColumnTypeEmail  ColumnType = "email"
	ColumnTypeNumber ColumnType = "number"
	ColumnTypeDate   ColumnType = "date"
	ColumnTypeText   ColumnType = "text"
)

// typeThreshold is the fraction of sampled values that must match a shape
// before the column is classified as that type.
const typeThreshold = 0.8

// detectSampleSize caps how many rows type detection inspects per column.
const detectSampleSize = 100

// ParseError records one malformed row that was skipped during parsing.
type ParseError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ParseOutput is the result of parsing a CSV file.
type ParseOutput struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"rows"`
	Errors  []ParseError        `json:"errors,omitempty"`
}

// MappingSuggestion proposes a target field for one CSV header.
type MappingSuggestion struct {
	CSVHeader      string  `json:"csv_header"`
	SuggestedField string  `json:"suggested_field"`
	Confidence     float64 `json:"confidence"`
}

// ColumnDetection is the output of DetectColumns.
type ColumnDetection struct {
	DetectedColumns map[string]ColumnType `json:"detected_columns"`
	Suggestions     []MappingSuggestion   `json:"suggestions"`
	Confidence      float64               `json:"confidence"`
}

// StructureReport is the upload-preview response for validateCsvStructure.
type StructureReport struct {
	Headers         []string              `json:"headers"`
	RowCount        int                   `json:"row_count"`
	SampleRows      []map[string]string   `json:"sample_rows"`
	DetectedColumns map[string]ColumnType `json:"detected_columns"`
	Suggestions     []MappingSuggestion   `json:"suggestions"`
	ParseErrors     []ParseError          `json:"parse_errors,omitempty"`
}

// fieldPatterns scores header names against target subscriber fields.
// Order matters: the first matching field wins for a given header.
var fieldPatterns = []struct {
	Field    string
	Patterns []*regexp.Regexp
}{
	{FieldEmail, compileAll(`^e-?mail`, `^e-?mail.?address$`, `^mail$`, `^subscriber.?email$`)},
	{FieldFirstName, compileAll(`^first.?name$`, `^fname$`, `^given.?name$`, `^first$`)},
	{FieldLastName, compileAll(`^last.?name$`, `^lname$`, `^surname$`, `^family.?name$`, `^last$`)},
	{FieldPhone, compileAll(`^phone`, `^mobile`, `^tele?phone`, `^cell`)},
	{FieldCompany, compileAll(`^company`, `^organi[sz]ation$`, `^employer$`, `^business$`)},
	{FieldLocation, compileAll(`^location$`, `^city$`, `^region$`, `^country$`)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(`(?i)` + p)
	}
	return res
}

var emailShapeRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ParseCSV reads delimited text into trimmed header/row maps. Rows with the
// wrong field count or quoting damage are recorded as ParseErrors and
// skipped.
func ParseCSV(r io.Reader) (*ParseOutput, error) {
	reader := csv.NewReader(bufio.NewReaderSize(r, 64*1024))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	headerRecord, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	headers := make([]string, len(headerRecord))
	for i, h := range headerRecord {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}

	out := &ParseOutput{Headers: headers}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			out.Errors = append(out.Errors, ParseError{Line: line, Message: err.Error()})
			continue
		}
		if len(record) != len(headers) {
			out.Errors = append(out.Errors, ParseError{
				Line:    line,
				Message: fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
			})
			continue
		}

		row := make(map[string]string, len(headers))
		empty := true
		for i, h := range headers {
			v := strings.TrimSpace(record[i])
			row[h] = v
			if v != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	return out, nil
}

// ParseCSVFile parses a CSV from disk.
func ParseCSVFile(path string) (*ParseOutput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// DetectColumns classifies each header's value type from a row sample and
// suggests a target field per header. At most one suggestion is produced per
// header; a header-name match scores 0.9 and a value-shape-only email match
// scores 0.8.
func DetectColumns(headers []string, rows []map[string]string) ColumnDetection {
	detection := ColumnDetection{
		DetectedColumns: make(map[string]ColumnType, len(headers)),
	}

	sample := rows
	if len(sample) > detectSampleSize {
		sample = sample[:detectSampleSize]
	}

	for _, header := range headers {
		colType := classifyColumn(header, sample)
		detection.DetectedColumns[header] = colType

		if field, ok := matchFieldPattern(header); ok {
			detection.Suggestions = append(detection.Suggestions, MappingSuggestion{
				CSVHeader:      header,
				SuggestedField: field,
				Confidence:     0.9,
			})
			continue
		}
		if colType == ColumnTypeEmail {
			detection.Suggestions = append(detection.Suggestions, MappingSuggestion{
				CSVHeader:      header,
				SuggestedField: FieldEmail,
				Confidence:     0.8,
			})
		}
	}

	if len(detection.Suggestions) > 0 {
		var sum float64
		for _, s := range detection.Suggestions {
			sum += s.Confidence
		}
		detection.Confidence = sum / float64(len(detection.Suggestions))
	}

	return detection
}

func matchFieldPattern(header string) (string, bool) {
	name := strings.TrimSpace(header)
	for _, fp := range fieldPatterns {
		for _, re := range fp.Patterns {
			if re.MatchString(name) {
				return fp.Field, true
			}
		}
	}
	return "", false
}

// classifyColumn samples non-empty values under a header and applies the 80%
// rule for email, number and date shapes, falling back to text.
func classifyColumn(header string, rows []map[string]string) ColumnType {
	var total, emails, numbers, dates int
	for _, row := range rows {
		v := row[header]
		if v == "" {
			continue
		}
		total++
		if emailShapeRe.MatchString(v) {
			emails++
		}
		if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			numbers++
		}
		if parseableDate(v) {
			dates++
		}
	}
	if total == 0 {
		return ColumnTypeText
	}

	n := float64(total)
	switch {
	case float64(emails)/n >= typeThreshold:
		return ColumnTypeEmail
	case float64(numbers)/n >= typeThreshold:
		return ColumnTypeNumber
	case float64(dates)/n >= typeThreshold:
		return ColumnTypeDate
	default:
		return ColumnTypeText
	}
}

// ValidateMapping checks that exactly one CSV column maps to the email field
// and that every mapped target exists in the provided field set.
func ValidateMapping(mapping map[string]string, fields FieldSet) bool {
	if len(mapping) == 0 {
		return false
	}
	emailTargets := 0
	for _, target := range mapping {
		if target == FieldEmail {
			emailTargets++
		}
		if !fields.Contains(target) {
			return false
		}
	}
	return emailTargets == 1
}

// ValidateStructure parses a stored CSV and reports its shape, detected
// column types and mapping suggestions. Used as the upload preview before a
// job is created.
func ValidateStructure(path string) (*StructureReport, error) {
	parsed, err := ParseCSVFile(path)
	if err != nil {
		return nil, err
	}

	detection := DetectColumns(parsed.Headers, parsed.Rows)

	sample := parsed.Rows
	if len(sample) > 5 {
		sample = sample[:5]
	}

	return &StructureReport{
		Headers:         parsed.Headers,
		RowCount:        len(parsed.Rows),
		SampleRows:      sample,
		DetectedColumns: detection.DetectedColumns,
		Suggestions:     detection.Suggestions,
		ParseErrors:     parsed.Errors,
	}, nil
}
