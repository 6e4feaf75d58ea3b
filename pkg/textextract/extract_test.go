package textextract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
)

func TestExtractCSV(t *testing.T) {
	data := []byte("name,city,notes\nAlice,Paris,\n,,\nBob,Berlin,likes tea\n")

	records, err := Extract(data, "csv")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, "name: Alice\ncity: Paris", records[0].Text)
	assert.Equal(t, "2", records[0].Metadata["row"])

	assert.Equal(t, 1, records[1].Index)
	assert.Equal(t, "name: Bob\ncity: Berlin\nnotes: likes tea", records[1].Text)
	assert.Equal(t, "4", records[1].Metadata["row"])
	assert.Equal(t, []string{"name", "city", "notes"}, Columns(records))
}

func TestColumns_UnionAcrossSheets(t *testing.T) {
	records := []Record{
		{Columns: []string{"sku", "price"}},
		{Columns: []string{"sku", "price"}},
		{Columns: []string{"sku", "qty"}},
		{Text: "no header"},
	}
	assert.Equal(t, []string{"sku", "price", "qty"}, Columns(records))
	assert.Empty(t, Columns([]Record{{Text: "plain"}}))
}

func TestExtractCSV_HeaderOnly(t *testing.T) {
	_, err := Extract([]byte("a,b,c\n"), "csv")
	assert.True(t, apperr.Is(err, apperr.KindExtraction))
}

func TestExtractJSON(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		data := []byte(`[{"b": 2, "a": "x"}, {"content": "verbatim text", "id": 7}, "plain", null]`)
		records, err := Extract(data, "json")
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "a: x\nb: 2", records[0].Text)
		assert.Equal(t, "verbatim text", records[1].Text)
		assert.Equal(t, "plain", records[2].Text)
		assert.Equal(t, 2, records[2].Index)
	})

	t.Run("object", func(t *testing.T) {
		records, err := Extract([]byte(`{"title": "FAQ", "tags": ["a", "b"]}`), "json")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "tags: [\"a\",\"b\"]\ntitle: FAQ", records[0].Text)
	})

	t.Run("scalar", func(t *testing.T) {
		records, err := Extract([]byte(`42`), ".JSON")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "42", records[0].Text)
	})

	t.Run("malformed", func(t *testing.T) {
		records, err := Extract([]byte(`{"a": `), "json")
		assert.Nil(t, records)
		assert.True(t, apperr.Is(err, apperr.KindExtraction))
	})

	t.Run("empty array", func(t *testing.T) {
		_, err := Extract([]byte(`[]`), "json")
		assert.True(t, apperr.Is(err, apperr.KindExtraction))
	})
}

func TestExtractTXT(t *testing.T) {
	data := []byte("First paragraph\nstill first.\r\n\r\nSecond one.\n\n\n   \nThird.")
	records, err := Extract(data, "txt")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "First paragraph\nstill first.", records[0].Text)
	assert.Equal(t, "Second one.", records[1].Text)
	assert.Equal(t, "Third.", records[2].Text)
}

func TestExtractTXT_InvalidUTF8(t *testing.T) {
	_, err := Extract([]byte("caf\xe9 au lait"), "txt")
	assert.True(t, apperr.Is(err, apperr.KindExtraction))
}

func TestExtractDOCX(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Opening </w:t></w:r><w:r><w:t>hours</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:r><w:t>Mon</w:t><w:tab/><w:t>9-5</w:t></w:r></w:p>
</w:body>
</w:document>`

	records, err := Extract(buildDOCX(t, doc), "docx")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Opening hours", records[0].Text)
	assert.Equal(t, "Mon\t9-5", records[1].Text)
	assert.Equal(t, "2", records[1].Metadata["paragraph"])
}

func TestExtractXLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"sku", "price"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"A-1", 9.5}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"B-2", 12}))
	_, err := f.NewSheet("Stock")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Stock", "A1", &[]any{"sku", "qty"}))
	require.NoError(t, f.SetSheetRow("Stock", "A2", &[]any{"A-1", 3}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	records, err := Extract(buf.Bytes(), "xlsx")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "sku: A-1\nprice: 9.5", records[0].Text)
	assert.Equal(t, "Sheet1", records[0].Metadata["sheet"])
	assert.Equal(t, "sku: A-1\nqty: 3", records[2].Text)
	assert.Equal(t, "Stock", records[2].Metadata["sheet"])
	assert.Equal(t, 2, records[2].Index)
}

func TestExtractXLS(t *testing.T) {
	records, err := Extract(readFixture(t, "table.xls"), "xls")
	require.NoError(t, err)
	require.Len(t, records, 11)
	assert.Equal(t, "Code: code1\nName: name1\nDescription: description1", records[0].Text)
	assert.Equal(t, "Table", records[0].Metadata["sheet"])
	assert.Equal(t, "2", records[0].Metadata["row"])
	assert.Equal(t, "Code: code11\nName: name11\nDescription: description11", records[10].Text)
	assert.Equal(t, []string{"Code", "Name", "Description"}, Columns(records))
}

func TestExtractPDF_OneRecordPerPage(t *testing.T) {
	records, err := Extract(readFixture(t, "pages.pdf"), "pdf")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Refunds are issued within 14 days.", records[0].Text)
	assert.Equal(t, "1", records[0].Metadata["page"])
	// Page 2 draws no text and is skipped.
	assert.Equal(t, "Support is open Monday to Friday.", records[1].Text)
	assert.Equal(t, "3", records[1].Metadata["page"])
	assert.Equal(t, 1, records[1].Index)
	assert.Empty(t, Columns(records))
}

func TestExtractPDF_ParserPanicIsExtractionError(t *testing.T) {
	records, err := Extract(readFixture(t, "broken-xref.pdf"), "pdf")
	assert.Nil(t, records)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExtraction))
	assert.Contains(t, err.Error(), "parse PDF")
}

func TestExtract_TruncatedArchive(t *testing.T) {
	doc := buildDOCX(t, `<w:document><w:body><w:p><w:r><w:t>Hello</w:t></w:r></w:p></w:body></w:document>`)

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"sku", "price"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"A-1", 9.5}))
	book, err := f.WriteToBuffer()
	require.NoError(t, err)

	tests := []struct {
		fileType string
		data     []byte
	}{
		{"docx", doc[:len(doc)/2]},
		{"xlsx", book.Bytes()[:book.Len()/2]},
	}
	for _, tt := range tests {
		t.Run(tt.fileType, func(t *testing.T) {
			records, err := Extract(tt.data, tt.fileType)
			assert.Nil(t, records)
			assert.True(t, apperr.Is(err, apperr.KindExtraction))
		})
	}
}

func TestExtract_ContentMismatch(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		fileType string
	}{
		{"text as pdf", []byte("not really a pdf"), "pdf"},
		{"text as docx", []byte("plain text"), "docx"},
		{"text as xlsx", []byte("a,b\n1,2\n"), "xlsx"},
		{"zip as csv", buildDOCX(t, "<w:document/>"), "csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Extract(tt.data, tt.fileType)
			assert.Nil(t, records)
			assert.True(t, apperr.Is(err, apperr.KindExtraction))
		})
	}
}

func TestExtract_Unsupported(t *testing.T) {
	_, err := Extract([]byte("MZ"), "exe")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}
