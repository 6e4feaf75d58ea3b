// Package textextract validates uploaded files and turns them into
// ordered logical records ready for chunking.
package textextract

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
)

// Record is one logical unit of a file: a spreadsheet row, a JSON element,
// a PDF page or a text paragraph.
type Record struct {
	Index    int
	Text     string
	Metadata map[string]string
	Columns  []string // header of the table the record came from
}

// Columns lists the table columns seen across records in first-seen order.
// It is empty for formats without a header row.
func Columns(records []Record) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range records {
		for _, c := range r.Columns {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

type extractFunc func(data []byte) ([]Record, error)

var extractors = map[string]extractFunc{
	"csv":  extractCSV,
	"xlsx": extractXLSX,
	"xls":  extractXLS,
	"json": extractJSON,
	"pdf":  extractPDF,
	"txt":  extractTXT,
	"docx": extractDOCX,
}

// container is the MIME type a file of each format must sniff as, or be a
// descendant of.
var container = map[string]string{
	"csv":  "text/plain",
	"json": "text/plain",
	"txt":  "text/plain",
	"pdf":  "application/pdf",
	"xlsx": "application/zip",
	"docx": "application/zip",
	"xls":  "application/x-ole-storage",
}

// Extract converts data into records using the strategy for fileType. It
// returns all records or an extraction error, never a partial result.
func Extract(data []byte, fileType string) ([]Record, error) {
	ft := strings.TrimPrefix(strings.ToLower(fileType), ".")
	fn, ok := extractors[ft]
	if !ok {
		return nil, apperr.Validation("file", fmt.Sprintf("unsupported file type %q", ft))
	}
	if len(data) == 0 {
		return nil, apperr.Extraction(nil, "%s file is empty", ft)
	}
	if err := checkContent(data, ft); err != nil {
		return nil, err
	}

	records, err := fn(data)
	if err != nil {
		return nil, apperr.Extraction(err, "extract %s", ft)
	}
	if len(records) == 0 {
		return nil, apperr.Extraction(nil, "no extractable content in %s file", ft)
	}
	for i := range records {
		records[i].Index = i
	}
	return records, nil
}

func checkContent(data []byte, ft string) error {
	want := container[ft]
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(want) {
			return nil
		}
	}
	return apperr.Extraction(nil, "content looks like %s, not %s", detected.String(), ft)
}

func newRecord(text string, kv ...string) Record {
	r := Record{Text: text, Metadata: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Metadata[kv[i]] = kv[i+1]
	}
	return r
}
