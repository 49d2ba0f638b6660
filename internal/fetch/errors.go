package fetch

import "fmt"

// PermanentError marks a failure that retrying cannot fix: a malformed
// locator, an unsupported source, a downloader that rejected the input
// outright. The queue checks for it via the Permanent method.
type PermanentError struct {
	msg string
}

func (e *PermanentError) Error() string { return e.msg }

// Permanent identifies this error to the retry policy.
func (e *PermanentError) Permanent() bool { return true }

func permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{msg: fmt.Sprintf(format, args...)}
}
