package legacy

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyFile is returned when a CSV source file is empty
	ErrEmptyFile = errors.New("CSV file is empty")

	// ErrInvalidEncoding is returned when a CSV source file is not UTF-8
	ErrInvalidEncoding = errors.New("invalid file encoding")

	// ErrMissingHeader is returned when a CSV source file has no header row
	ErrMissingHeader = errors.New("CSV file missing header row")
)

const encodingSampleSize = 4096

// csvReader reads header-keyed rows from a UTF-8 CSV stream
type csvReader struct {
	reader  *csv.Reader
	headers []string
	line    int
}

// csvRow is one data row keyed by header
type csvRow struct {
	Line int
	Data map[string]string
}

func (r csvRow) isEmpty() bool {
	for _, v := range r.Data {
		if v != "" {
			return false
		}
	}
	return true
}

// newCSVReader strips a UTF-8 BOM, validates encoding and reads the header row
func newCSVReader(r io.Reader, delimiter rune) (*csvReader, error) {
	buf := bufio.NewReader(r)

	head, err := buf.Peek(3)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(head) >= 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF {
		_, _ = buf.Discard(3)
	}

	sample, err := buf.Peek(encodingSampleSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read file for encoding validation: %w", err)
	}
	if len(sample) == 0 {
		return nil, ErrEmptyFile
	}
	if len(sample) == encodingSampleSize {
		sample = trimPartialRune(sample)
	}
	if !utf8.Valid(sample) {
		return nil, ErrInvalidEncoding
	}

	reader := csv.NewReader(buf)
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	headers := make([]string, len(record))
	for i, h := range record {
		headers[i] = strings.TrimSpace(h)
	}
	return &csvReader{reader: reader, headers: headers, line: 1}, nil
}

// next returns io.EOF when the stream is exhausted
func (r *csvReader) next() (csvRow, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return csvRow{}, io.EOF
	}
	r.line++
	if err != nil {
		return csvRow{}, fmt.Errorf("error reading row %d: %w", r.line, err)
	}
	row := csvRow{Line: r.line, Data: make(map[string]string, len(r.headers))}
	for i, header := range r.headers {
		if i < len(record) {
			row.Data[header] = strings.TrimSpace(record[i])
		} else {
			row.Data[header] = ""
		}
	}
	return row, nil
}

// trimPartialRune drops a multi-byte rune cut off at the end of a full sample
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && i < len(b); i++ {
		if utf8.Valid(b[:len(b)-i]) {
			return b[:len(b)-i]
		}
	}
	return b
}
