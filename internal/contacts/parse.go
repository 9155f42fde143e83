// Package contacts turns a downloaded People export into staging rows.
package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Row is one contact destined for staging.contacts_report.
type Row struct {
	ReplyID    *int64
	Email      string
	FirstName  string
	LastName   string
	Company    string
	AddingDate *time.Time
	Sequence   string
	Client     string
}

// Column headers recognised in the export. Unknown columns are ignored.
const (
	headerReplyID   = "Id"
	headerEmail     = "Email"
	headerFirstName = "First Name"
	headerLastName  = "Last Name"
	headerCompany   = "Account Name"
	headerAddedOn   = "Added On"
	headerSequence  = "Sequence"
)

// dateLayouts are tried in order for the Added On column.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006",
}

// ParseError describes a malformed export.
type ParseError struct {
	Line    int
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("contacts export line %d: %s: %v", e.Line, e.Message, e.Cause)
	}
	return fmt.Sprintf("contacts export line %d: %s", e.Line, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Parse reads a CSV export and tags each row with clientName. When an email is present
// the company is replaced by the email domain.
func Parse(r io.Reader, clientName string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Line: 1, Message: "empty export"}
		}
		return nil, &ParseError{Line: 1, Message: "failed to read header", Cause: err}
	}
	columns := indexHeader(header)

	var rows []Row
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &ParseError{Line: line, Message: "failed to read record", Cause: err}
		}
		if isBlank(record) {
			continue
		}
		rows = append(rows, buildRow(record, columns, clientName))
	}
	return rows, nil
}

func indexHeader(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		columns[h] = i
	}
	return columns
}

func buildRow(record []string, columns map[string]int, clientName string) Row {
	get := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	row := Row{
		Email:     get(headerEmail),
		FirstName: get(headerFirstName),
		LastName:  get(headerLastName),
		Company:   get(headerCompany),
		Sequence:  get(headerSequence),
		Client:    clientName,
	}
	if domain := EmailDomain(row.Email); domain != "" {
		row.Company = domain
	}
	if id, err := strconv.ParseInt(get(headerReplyID), 10, 64); err == nil {
		row.ReplyID = &id
	}
	row.AddingDate = parseDate(get(headerAddedOn))
	return row
}

// EmailDomain returns the part after '@' as written, or "" when there is none.
func EmailDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return domain
}

// parseDate returns nil for empty or unrecognised values.
func parseDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
