package utils

// Error codes used by the backend error body, plus the two client-side
// transport codes.
const (
	CodeNetwork = "NETWORK_ERROR"
	CodeTimeout = "TIMEOUT"

	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeValidation         = "VALIDATION_ERROR"
	CodeRateLimit          = "RATE_LIMIT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDependency         = "DEPENDENCY_ERROR"

	CodeHostNotFound     = "HOST_NOT_FOUND"
	CodeHostDisconnected = "HOST_DISCONNECTED"
	CodeVMNotFound       = "VM_NOT_FOUND"
	CodeVMBusy           = "VM_BUSY"
	CodeVMStateError     = "VM_STATE_ERROR"
	CodeLibvirt          = "LIBVIRT_ERROR"
	CodeDatabase         = "DATABASE_ERROR"
	CodeConfig           = "CONFIG_ERROR"
)

// ErrorCode extracts the code of an APIError anywhere in err's chain,
// or "" when err carries none.
func ErrorCode(err error) string {
	if ae := AsAPIError(err); ae != nil {
		return ae.Code
	}
	return ""
}
