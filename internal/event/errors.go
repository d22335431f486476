// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"fmt"
)

// ErrOverflow matches every OverflowError
var ErrOverflow = errors.New("document exceeds buffer capacity")

// OverflowError is returned when a document does not fit the destination
// buffer. Nothing is written to the buffer in that case.
type OverflowError struct {
	Kind     Kind
	Required int
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s document needs %d bytes, buffer holds %d", e.Kind, e.Required, e.Capacity)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrOverflow
}
