// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

// Error kinds. Per-chunk kinds (transport, processing) are contained by the
// chunk that hit them; validation and probe kinds abort the run before
// dispatch.
var (
	ErrInvalidLocator   = errors.New("invalid object locator")
	ErrValidation       = errors.New("header validation failed")
	ErrProbe            = errors.New("object size unavailable")
	ErrTransport        = errors.New("range query failed")
	ErrProcessing       = errors.New("chunk processing failed")
	ErrCoordinatorFault = errors.New("coordinator fault")
)
