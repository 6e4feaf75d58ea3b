package textextract

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
)

const DefaultMaxFileSize int64 = 100 * 1024 * 1024

var supportedTypes = []string{"xlsx", "xls", "csv", "json", "pdf", "txt", "docx"}

// FileType returns the lower-cased extension of filename without the dot.
func FileType(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func IsSupported(fileType string) bool {
	return slices.Contains(supportedTypes, strings.TrimPrefix(strings.ToLower(fileType), "."))
}

// Validate checks an upload's extension and size before anything is stored.
// A maxSize of zero or less means DefaultMaxFileSize.
func Validate(filename string, size, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if strings.TrimSpace(filename) == "" {
		return apperr.Validation("file", "filename is required")
	}
	ft := FileType(filename)
	if !IsSupported(ft) {
		return apperr.Validation("file", fmt.Sprintf("unsupported file type %q, supported: %s", ft, strings.Join(supportedTypes, ", ")))
	}
	if size <= 0 {
		return apperr.Validation("file", "file is empty")
	}
	if size > maxSize {
		return apperr.Validation("file_size", fmt.Sprintf("file size %d exceeds maximum of %d bytes", size, maxSize))
	}
	return nil
}
