package recovery

import (
	"context"
	"errors"

	"github.com/projecteru2/mancer/utils"
)

// Category groups error codes by what the user can do about them.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryBackend    Category = "backend"
	CategoryBusy       Category = "busy"
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryHost       Category = "host"
	CategoryUnknown    Category = "unknown"
)

// Severity orders how loudly an error is surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is a suggested recovery step attached to an entry.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionCheckServer    Action = "check server"
	ActionReconnectHost  Action = "reconnect host"
	ActionRefreshHosts   Action = "refresh hosts"
	ActionRefreshVMState Action = "refresh vm state"
	ActionReauthenticate Action = "re-authenticate"
)

// Classification is the recovery policy for an error.
type Classification struct {
	Code       string
	Category   Category
	Severity   Severity
	Retryable  bool
	MaxRetries int
	Actions    []Action
}

// UnknownCode is assigned to errors that carry no backend code.
const UnknownCode = "UNKNOWN_ERROR"

// Classify maps err to its recovery policy.
func Classify(err error) Classification {
	code := utils.ErrorCode(err)
	if code == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			code = utils.CodeTimeout
		} else {
			code = UnknownCode
		}
	}
	c := Classification{Code: code}
	switch code {
	case utils.CodeNetwork, utils.CodeServiceUnavailable, utils.CodeTimeout:
		c.Category, c.Severity = CategoryNetwork, SeverityHigh
		c.Retryable, c.MaxRetries = true, 3
		c.Actions = []Action{ActionRetry, ActionCheckServer}
	case utils.CodeLibvirt, utils.CodeDatabase, utils.CodeInternal, utils.CodeDependency:
		c.Category, c.Severity = CategoryBackend, SeverityHigh
		c.Retryable, c.MaxRetries = true, 1
		c.Actions = []Action{ActionRetry}
	case utils.CodeVMBusy, utils.CodeVMStateError, utils.CodeConflict, utils.CodeRateLimit:
		c.Category, c.Severity = CategoryBusy, SeverityLow
		c.Actions = []Action{ActionRefreshVMState}
	case utils.CodeValidation, utils.CodeBadRequest, utils.CodeConfig:
		c.Category, c.Severity = CategoryValidation, SeverityLow
	case utils.CodeUnauthorized, utils.CodeForbidden:
		c.Category, c.Severity = CategoryAuth, SeverityHigh
		c.Actions = []Action{ActionReauthenticate}
	case utils.CodeHostDisconnected, utils.CodeHostNotFound, utils.CodeVMNotFound, utils.CodeNotFound:
		c.Category, c.Severity = CategoryHost, SeverityMedium
		c.Actions = []Action{ActionRefreshHosts}
		if code == utils.CodeHostDisconnected {
			c.Actions = []Action{ActionReconnectHost, ActionRefreshHosts}
		}
	default:
		c.Category, c.Severity = CategoryUnknown, SeverityMedium
		if ae := utils.AsAPIError(err); ae != nil && ae.Status >= 500 {
			c.Category, c.Severity = CategoryBackend, SeverityHigh
			c.Retryable, c.MaxRetries = true, 1
			c.Actions = []Action{ActionRetry}
		}
	}
	return c
}

// manuallyDisconnected downgrades a HOST_DISCONNECTED classification for a
// host the user disconnected on purpose.
func manuallyDisconnected(c Classification) Classification {
	c.Severity = SeverityLow
	c.Retryable, c.MaxRetries = false, 0
	c.Actions = nil
	return c
}

var messages = map[string]string{
	utils.CodeNetwork:            "Unable to connect to the server. Check that the backend is reachable.",
	utils.CodeServiceUnavailable: "The service is temporarily unavailable. Try again later.",
	utils.CodeTimeout:            "The request timed out. Try again.",
	utils.CodeHostDisconnected:   "The host is disconnected. Attempting to reconnect...",
	utils.CodeHostNotFound:       "The requested host could not be found.",
	utils.CodeVMNotFound:         "The virtual machine could not be found.",
	utils.CodeVMBusy:             "The virtual machine is busy. Wait and try again.",
	utils.CodeVMStateError:       "Invalid operation for the current VM state.",
	utils.CodeValidation:         "Check your input and try again.",
	utils.CodeUnauthorized:       "You are not authorized to perform this action.",
	utils.CodeForbidden:          "Access to this resource is forbidden.",
	utils.CodeLibvirt:            "A virtualization system error occurred.",
	utils.CodeDatabase:           "A database error occurred. Try again.",
	utils.CodeRateLimit:          "Too many requests. Wait before trying again.",
}

const manualDisconnectMessage = "The host is disconnected. Connect manually when ready."

// Humanize returns the user-facing message for err.
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	if m, ok := messages[utils.ErrorCode(err)]; ok {
		return m
	}
	return err.Error()
}
