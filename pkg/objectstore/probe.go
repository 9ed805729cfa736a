// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"errors"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
)

// SizeOf returns the size of the object, or 0 if the store could not be
// queried. Callers must treat 0 as unusable and abort.
func SizeOf(ctx context.Context, store Store, loc types.ObjectLocator) int64 {
	size, err := store.Head(ctx, loc)
	if err != nil {
		evt := logger.Error().
			Err(err).
			Str("bucket", loc.Bucket).
			Str("key", loc.Key)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			evt = evt.Str("code", apiErr.ErrorCode())
		}
		evt.Msg("objectstore: size probe failed")
		return 0
	}
	if size < 0 {
		return 0
	}

	logger.Debug().
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Int64("size", size).
		Str("size_human", humanize.IBytes(uint64(size))).
		Msg("objectstore: probed object size")
	return size
}
