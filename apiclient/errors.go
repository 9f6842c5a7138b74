package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorDetail is one field-level entry in a structured API error body.
type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// APIError is a non-2xx response from the backend API. When the body is a
// structured error document its message, code and details are carried over;
// otherwise a default message for the status is used.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details []ErrorDetail
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

type apiErrorBody struct {
	Message string        `json:"message"`
	Code    string        `json:"code"`
	Details []ErrorDetail `json:"details"`
}

func newAPIError(status int, body []byte) *APIError {
	var parsed apiErrorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		code := parsed.Code
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", status)
		}
		return &APIError{
			Status:  status,
			Code:    code,
			Message: parsed.Message,
			Details: parsed.Details,
		}
	}

	return &APIError{
		Status:  status,
		Code:    fmt.Sprintf("HTTP_%d", status),
		Message: defaultMessage(status),
	}
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusUnprocessableEntity:
		return "Validation Error"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	case http.StatusBadGateway:
		return "Bad Gateway"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return "An error occurred"
	}
}

// NetworkError means no response was received from the API at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }
