// SPDX-License-Identifier: MIT

package command

import "errors"

var (
	// ErrInvalidCommand means the submission was malformed. Fails closed
	// with no side effects.
	ErrInvalidCommand = errors.New("command: invalid command")

	// ErrTargetNotEligible means the target is missing, inactive, or not an
	// employee.
	ErrTargetNotEligible = errors.New("command: target not eligible")

	// ErrDispatchFailed means the bus publish failed. The pending record is
	// retained and eligible for retry or redelivery.
	ErrDispatchFailed = errors.New("command: dispatch failed")
)
