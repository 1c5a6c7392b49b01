package markets

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/drieger/lineup-harvester/internal/util"
)

// Entry is one market line from the input file
type Entry struct {
	Country    string
	PostalCode string
}

// Key returns the canonical "COUNTRY/postal" identifier used by the
// checkpoint ledger and the store
func (e Entry) Key() string {
	return MarketKey(e.Country, e.PostalCode)
}

// MarketKey builds the canonical market identifier
func MarketKey(country, postalCode string) string {
	return country + "/" + postalCode
}

// Source is a fully loaded market list file. The checkpoint registry is
// keyed by Hash, so an unchanged file resumes regardless of its path.
type Source struct {
	Path    string
	Name    string
	Hash    string
	Size    int64
	Entries []Entry
}

// Load reads a two-column delimited market file (country,postal_code)
// fully into memory and computes its SHA-256 content hash
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market list: %w", err)
	}

	sum := sha256.Sum256(data)

	entries, err := parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Source{
		Path:    path,
		Name:    filepath.Base(path),
		Hash:    fmt.Sprintf("%x", sum),
		Size:    int64(len(data)),
		Entries: entries,
	}, nil
}

// parse reads CSV rows, keeping any row with at least two columns.
// Country codes are uppercased; blank rows and short rows are skipped.
func parse(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // rows may carry trailing columns
	reader.TrimLeadingSpace = true

	var entries []Entry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", util.ErrInvalidInput, err)
		}

		if len(record) < 2 {
			continue
		}

		country := strings.ToUpper(strings.TrimSpace(record[0]))
		postal := strings.TrimSpace(record[1])
		if country == "" || postal == "" {
			continue
		}

		entries = append(entries, Entry{Country: country, PostalCode: postal})
	}

	return entries, nil
}
