package model

// InstallationCode is the numeric result code of an install/verify attempt.
type InstallationCode int

const (
	CodeOk InstallationCode = iota
	CodeInstallFailed
	CodeNeedCompletion
	CodeVerificationFailed
	CodeDownloadFailed
	CodeInternalError
	CodeOperationCancelled
	CodeAlreadyProcessed
	CodeGeneralError
)

// String returns the textual code alongside the numeric one in
// InstallationResult.
func (c InstallationCode) String() string {
	switch c {
	case CodeOk:
		return "OK"
	case CodeInstallFailed:
		return "INSTALL_FAILED"
	case CodeNeedCompletion:
		return "NEED_COMPLETION"
	case CodeVerificationFailed:
		return "VERIFICATION_FAILED"
	case CodeDownloadFailed:
		return "DOWNLOAD_FAILED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeOperationCancelled:
		return "OPERATION_CANCELLED"
	case CodeAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case CodeGeneralError:
		return "GENERAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseInstallationCode is the inverse of String, used when reloading a
// persisted result from storage.
func ParseInstallationCode(s string) InstallationCode {
	switch s {
	case "OK":
		return CodeOk
	case "INSTALL_FAILED":
		return CodeInstallFailed
	case "NEED_COMPLETION":
		return CodeNeedCompletion
	case "VERIFICATION_FAILED":
		return CodeVerificationFailed
	case "DOWNLOAD_FAILED":
		return CodeDownloadFailed
	case "INTERNAL_ERROR":
		return CodeInternalError
	case "OPERATION_CANCELLED":
		return CodeOperationCancelled
	case "ALREADY_PROCESSED":
		return CodeAlreadyProcessed
	default:
		return CodeGeneralError
	}
}

// Success reports whether the code represents a terminal success, including
// the "needs reboot" state: NeedCompletion is routed as success-so-far.
func (c InstallationCode) Success() bool {
	return c == CodeOk || c == CodeNeedCompletion
}

// InstallationResult is the outcome of an install/verify/finalize attempt.
type InstallationResult struct {
	Code        InstallationCode `json:"code"`
	Description string           `json:"description"`
}

// NewResult builds an InstallationResult.
func NewResult(code InstallationCode, description string) InstallationResult {
	return InstallationResult{Code: code, Description: description}
}

// Success reports whether this result is a terminal success.
func (r InstallationResult) Success() bool { return r.Code.Success() }

// TextCode returns the textual code string paired with the numeric one.
func (r InstallationResult) TextCode() string { return r.Code.String() }
