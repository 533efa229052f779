package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports a missing or foreign-owned resource.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	if e.Resource == "" {
		return "Not found"
	}
	return e.Resource + " not found"
}

// ConflictError reports a request that collides with in-flight work.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// MissingCredentialError reports a cloud provider without an active user key.
type MissingCredentialError struct {
	Provider string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("No API key found for provider: %s. Please add one in settings.", e.Provider)
}

// UnsupportedProviderError reports a provider with no registered backend.
type UnsupportedProviderError struct {
	Provider string
	Local    bool
}

func (e *UnsupportedProviderError) Error() string {
	if e.Local {
		return fmt.Sprintf("Unsupported local provider: %s", e.Provider)
	}
	return fmt.Sprintf("Unsupported provider: %s", e.Provider)
}

// DecryptionError reports a stored secret that cannot be opened.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Reason == "" {
		return "decrypt: invalid envelope"
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// UpstreamError reports a model backend failure during a call.
// Message, when set, is shown to the client instead of the generic failure text.
type UpstreamError struct {
	Provider string
	Err      error
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend failed", e.Provider)
	}
	return fmt.Sprintf("%s backend failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Validation builds a ValidationError.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError for the named resource.
func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// HTTPStatus maps an error to the response status used at the request boundary.
func HTTPStatus(err error) int {
	var (
		validation  *ValidationError
		notFound    *NotFoundError
		conflict    *ConflictError
		missing     *MissingCredentialError
		unsupported *UnsupportedProviderError
		decryption  *DecryptionError
		upstream    *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &missing), errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.As(err, &decryption):
		return http.StatusUnprocessableEntity
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the text safe to show an end user for err.
func UserMessage(err error) string {
	var decryption *DecryptionError
	if errors.As(err, &decryption) {
		return "Stored API key could not be decrypted. Please re-add it in settings."
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Message != "" {
			return upstream.Message
		}
		return fmt.Sprintf("%s request failed", upstream.Provider)
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "Internal server error"
	}
	return err.Error()
}
