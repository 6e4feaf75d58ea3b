package textextract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

func extractPDF(data []byte) (records []Record, err error) {
	// ledongthuc/pdf panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			records, err = nil, fmt.Errorf("parse PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i, err)
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		records = append(records, newRecord(text, "page", strconv.Itoa(i)))
	}
	return records, nil
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

func extractTXT(data []byte) ([]Record, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("text is not valid UTF-8")
	}
	text := strings.ReplaceAll(string(bytes.TrimPrefix(data, utf8BOM)), "\r\n", "\n")

	var out []Record
	for i, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, newRecord(p, "paragraph", strconv.Itoa(i+1)))
		}
	}
	return out, nil
}

func extractDOCX(data []byte) ([]Record, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open DOCX: %w", err)
	}

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()
		return docxParagraphs(rc)
	}
	return nil, errors.New("word/document.xml not found")
}

// docxParagraphs returns one record per non-empty w:p element, keeping
// w:t runs and translating w:tab and w:br.
func docxParagraphs(r io.Reader) ([]Record, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []Record
		buf    strings.Builder
		inText bool
		depth  int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				if depth == 0 {
					buf.Reset()
				}
				depth++
			case "t":
				inText = true
			case "tab":
				buf.WriteByte('\t')
			case "br":
				buf.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth > 0 {
					continue
				}
				if text := strings.TrimSpace(buf.String()); text != "" {
					out = append(out, newRecord(text, "paragraph", strconv.Itoa(len(out)+1)))
				}
			}
		case xml.CharData:
			if inText && depth > 0 {
				buf.Write(t)
			}
		}
	}
	return out, nil
}
