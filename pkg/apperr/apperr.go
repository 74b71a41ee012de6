// Package apperr defines the error classes shared by the stores and the
// lifecycle service. Every error returned across a package boundary wraps
// exactly one of the sentinels below so callers can classify it with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrDuplicateName           = errors.New("duplicate name")
	ErrInvalidExtensionChange  = errors.New("file extension change not allowed")
	ErrUnsupportedParserChange = errors.New("parser change not supported yet")
	ErrValidation              = errors.New("validation failed")
	ErrStorage                 = errors.New("storage failure")
	ErrDataIntegrity           = errors.New("data integrity violation")
)

// NotFound reports a missing record, e.g. NotFound("document", id).
func NotFound(resource, id string) error {
	return fmt.Errorf("%s %q: %w", resource, id, ErrNotFound)
}

func DuplicateName(kbID, name string) error {
	return fmt.Errorf("document name %q already exists in knowledge base %s: %w", name, kbID, ErrDuplicateName)
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Storage wraps a backend failure. The cause stays reachable through errors.Is/As.
func Storage(store, op string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", store, op, ErrStorage, err)
}

func DataIntegrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataIntegrity, fmt.Sprintf(format, args...))
}

// ForDocument prefixes err with the document id it belongs to. Batch
// operations use it so an aggregated error names every failing id.
func ForDocument(id string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("document %s: %w", id, err)
}

// Code returns a stable, lowercase class name for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, ErrInvalidExtensionChange):
		return "invalid_extension_change"
	case errors.Is(err, ErrUnsupportedParserChange):
		return "unsupported_parser_change"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity_error"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	default:
		return "internal_error"
	}
}
