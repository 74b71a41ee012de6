package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestCode(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"not found", NotFound("document", "d1"), "not_found"},
		{"duplicate", DuplicateName("kb1", "a.pdf"), "duplicate_name"},
		{"validation", Validation("name is required"), "validation_error"},
		{"storage", Storage("blob", "put", cause), "storage_error"},
		{"integrity", DataIntegrity("row vanished"), "data_integrity_error"},
		{"extension", ErrInvalidExtensionChange, "invalid_extension_change"},
		{"parser", ErrUnsupportedParserChange, "unsupported_parser_change"},
		{"wrapped", ForDocument("d1", NotFound("tenant", "d1")), "not_found"},
		{"unknown", cause, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Storage("index", "delete", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "index delete")
}

func TestForDocumentInAggregate(t *testing.T) {
	var errs error
	errs = multierr.Append(errs, ForDocument("x", NotFound("tenant", "x")))
	errs = multierr.Append(errs, ForDocument("y", Storage("blob", "remove", errors.New("boom"))))

	assert.ErrorIs(t, errs, ErrNotFound)
	assert.ErrorIs(t, errs, ErrStorage)
	assert.Contains(t, errs.Error(), "document x")
	assert.Contains(t, errs.Error(), "document y")
	assert.Len(t, multierr.Errors(errs), 2)
	assert.NoError(t, ForDocument("z", nil))
}
