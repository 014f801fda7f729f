// Package blacklistcsv reads blacklist entries from CSV files with the
// columns category,keyword[,description]. A header row is optional.
package blacklistcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/FranksOps/snare/internal/storage"
)

// Result is what Read found.
type Result struct {
	Entries []storage.BlacklistEntry
	// Invalid lists rejected rows as "line N: reason".
	Invalid []string
}

// ReadFile reads a CSV file.
func ReadFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("blacklistcsv: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses entries from r. Rows with an unknown category or an empty
// keyword are reported in Invalid and skipped; malformed CSV is an error.
func Read(r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var res Result
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("blacklistcsv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}

		if len(record) < 2 {
			res.Invalid = append(res.Invalid, fmt.Sprintf("line %d: want category,keyword", line))
			continue
		}
		cat := storage.Category(strings.ToLower(strings.TrimSpace(record[0])))
		if !cat.Valid() {
			res.Invalid = append(res.Invalid, fmt.Sprintf("line %d: unknown category %q", line, record[0]))
			continue
		}
		kw := strings.TrimSpace(record[1])
		if kw == "" {
			res.Invalid = append(res.Invalid, fmt.Sprintf("line %d: empty keyword", line))
			continue
		}
		e := storage.BlacklistEntry{Category: cat, Keyword: kw}
		if len(record) > 2 {
			e.Description = strings.TrimSpace(record[2])
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

func isHeader(record []string) bool {
	return len(record) >= 2 &&
		strings.EqualFold(strings.TrimSpace(record[0]), "category") &&
		strings.EqualFold(strings.TrimSpace(record[1]), "keyword")
}
