package apperrors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrStaleFormula        = errors.New("calculated metric formula no longer matches schema")
	ErrNoJoinPath          = errors.New("no join path between tables")
	ErrDialectUnsupported  = errors.New("dialect not supported")
	ErrForbiddenTable      = errors.New("table access denied")
	ErrForbiddenColumn     = errors.New("column access denied")
	ErrOverloaded          = errors.New("engine overloaded")
	ErrConnectionNotFound  = errors.New("connection not registered")
	ErrMetadataUnavailable = errors.New("metadata database unreachable")
	ErrReadOnlyCredentials = errors.New("connection credentials must be read-only")
)
