package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrRoleGraphInvalid marks a cyclic, too deep, dangling or self-conflicting role graph.
	ErrRoleGraphInvalid = errors.New("auth: role graph invalid")
	// ErrResolutionFailed wraps backing store failures during permission resolution.
	ErrResolutionFailed = errors.New("auth: permission resolution failed")
	// ErrRestricted is returned when a role restriction rejects the request context.
	ErrRestricted = errors.New("auth: restriction violated")
)
