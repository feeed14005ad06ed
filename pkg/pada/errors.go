// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pada

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrConfig is wrapped by errors in the configuration: unknown keys, invalid values or missing paths.
	ErrConfig = errors.New("invalid configuration")

	// ErrIO is wrapped by failures to write the log file or the snapshots.
	ErrIO = errors.New("i/o failure")

	// ErrNumerical is wrapped when a training loss becomes NaN or infinite.
	ErrNumerical = errors.New("numerical failure")
)

// withKind classifies cause as one of the errors above. The result matches both kind and cause with errors.Is.
func withKind(kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// Format implements fmt.Formatter: "%+v" prints the stack trace of the cause.
func (e *kindError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.kind, e.cause)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}
