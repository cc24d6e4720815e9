package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// ErrorCode is an API error code. The original backend sent HTTP status
// numbers in this field, so numeric JSON values are accepted too.
type ErrorCode string

const (
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

func (c *ErrorCode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = ErrorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = ErrorCode(n.String())
	return nil
}

// Retryable reports whether a failure with this code may succeed on retry.
// Validation failures mean client and server disagree on the protocol.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeInvalidRequest, CodeValidation:
		return false
	}
	if n, err := strconv.Atoi(string(c)); err == nil {
		return n != 400 && n != 422
	}
	return true
}

// APIError is the error object of a failed response.
type APIError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Metadata accompanies every API response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

// APIResponse is the common response envelope.
type APIResponse[T any] struct {
	Success  bool      `json:"success"`
	Data     *T        `json:"data,omitempty"`
	Error    *APIError `json:"error,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// SyncRequest is the body of POST /api/v1/sync.
type SyncRequest struct {
	Changes        []ChangeRecord `json:"changes"`
	ClientLastSync time.Time      `json:"clientLastSync"`
}

// SyncResponseData is the data of a successful sync response.
type SyncResponseData struct {
	ServerChanges []ChangeRecord `json:"serverChanges,omitempty"`
	SyncedAt      time.Time      `json:"syncedAt"`
}
