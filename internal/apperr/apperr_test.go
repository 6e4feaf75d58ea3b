package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("upload source: %w", NotFound("database"))

	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.Equal(t, "upload source: database not found", err.Error())
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestValidation_Field(t *testing.T) {
	err := Validation("file_size", "exceeds maximum of 100MB")

	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "file_size", FieldOf(err))
	assert.Equal(t, "file_size: exceeds maximum of 100MB", err.Error())
}

func TestExternalService_Unwrap(t *testing.T) {
	err := ExternalService("embedding", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "external_service", KindOf(err).String())
}

func TestExtraction_Message(t *testing.T) {
	err := Extraction(io.EOF, "invalid %s content", "csv")
	assert.Equal(t, "invalid csv content: EOF", err.Error())
	assert.Equal(t, KindExtraction, KindOf(err))
}
