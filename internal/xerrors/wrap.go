// Package xerrors provides the error-wrapping helper used by the driver's
// configuration loader (internal/config).
package xerrors

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
