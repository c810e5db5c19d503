package app

import (
	"errors"
	"fmt"
	"net/http"

	"collab/api/internal/auth"
	"collab/api/internal/collab"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var codeStatus = map[string]int{
	collab.CodeUnauthorized:        http.StatusForbidden,
	collab.CodeForbidden:           http.StatusForbidden,
	collab.CodeSessionNotFound:     http.StatusNotFound,
	collab.CodeSessionEnded:        http.StatusGone,
	collab.CodeChannelNameConflict: http.StatusConflict,
	collab.CodeNotInSession:        http.StatusConflict,
	collab.CodeFutureVersion:       http.StatusConflict,
	collab.CodeInvalidArgument:     http.StatusBadRequest,
}

// mapError turns any error into a status, wire code and human readable
// message. Errors outside the taxonomy are reported as SERVER_ERROR without
// their text.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
		return http.StatusUnauthorized, collab.CodeUnauthorized, "Unauthorized", nil
	}
	code = collab.Code(err)
	if code == collab.CodeServerError {
		return http.StatusInternalServerError, code, "Server error", nil
	}
	return codeStatus[code], code, err.Error(), nil
}
