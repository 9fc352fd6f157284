package scanflow

import (
	"net/http"
	"time"
)

// TaskState is what the transport last reported about an in-flight upload.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskPaused   TaskState = "paused"
	TaskSuccess  TaskState = "success"
	TaskCanceled TaskState = "canceled"
	TaskError    TaskState = "error"
)

func (s TaskState) terminal() bool {
	return s == TaskSuccess || s == TaskCanceled || s == TaskError
}

// StallReason is empty for a healthy upload.
type StallReason string

const (
	StallNone       StallReason = ""
	StallNoProgress StallReason = "no_progress"
	StallStalled    StallReason = "stalled"
	StallPaused     StallReason = "paused"
)

// ClassifyStall decides whether an upload that last made progress elapsed ago should be
// given up on. lastBytes is the byte count at that last progress event.
func ClassifyStall(lastBytes int64, elapsed, timeout time.Duration, state TaskState) StallReason {
	if state.terminal() || elapsed < timeout {
		return StallNone
	}
	if state == TaskPaused {
		return StallPaused
	}
	if lastBytes <= 0 {
		return StallNoProgress
	}
	return StallStalled
}

type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodePermissionDenied Code = "permission_denied"
	CodeCanceled         Code = "canceled"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeTooLarge         Code = "object_too_large"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"

	CodeNetwork     Code = "network"
	CodeTimeout     Code = "timeout"
	CodeUnavailable Code = "unavailable"
	CodeServer      Code = "server_error"
	CodeNoProgress  Code = Code(StallNoProgress)
	CodeStalled     Code = Code(StallStalled)
	CodePaused      Code = Code(StallPaused)

	CodeUnknown Code = "unknown"
)

var retryTable = map[Code]bool{
	CodeUnauthenticated:  false,
	CodePermissionDenied: false,
	CodeCanceled:         false,
	CodeInvalidArgument:  false,
	CodeTooLarge:         false,
	CodeNotFound:         false,
	CodeConflict:         false,

	CodeNetwork:     true,
	CodeTimeout:     true,
	CodeUnavailable: true,
	CodeServer:      true,
	CodeNoProgress:  true,
	CodeStalled:     true,
	CodePaused:      true,
}

// ShouldRetry looks code up in the fixed table. Codes outside the table are retried only
// when nothing was sent, since a partial request may already have had its effect.
func ShouldRetry(code Code, bytesTransferred int64) bool {
	if retry, ok := retryTable[code]; ok {
		return retry
	}
	return bytesTransferred == 0
}

// CodeForStatus maps an HTTP response status onto an upload error code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthenticated
	case status == http.StatusForbidden:
		return CodePermissionDenied
	case status == http.StatusPaymentRequired:
		return CodePermissionDenied
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeInvalidArgument
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return CodeUnavailable
	case status >= 500:
		return CodeServer
	default:
		return CodeUnknown
	}
}
