// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CachesClients(t *testing.T) {
	t.Parallel()

	pool := NewPool(0, 0)
	defer pool.Close()

	cfg := &Config{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		PathStyle:       true,
	}

	a, err := pool.GetClient(context.Background(), cfg)
	require.NoError(t, err)
	b, err := pool.GetClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)

	other := *cfg
	other.Region = "eu-west-1"
	c, err := pool.GetClient(context.Background(), &other)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	assert.Equal(t, "us-east-1", a.Options().Region)
	assert.True(t, a.Options().UsePathStyle)
	require.NotNil(t, a.Options().BaseEndpoint)
	assert.Equal(t, cfg.Endpoint, *a.Options().BaseEndpoint)
}

func TestPool_CloseResetsCache(t *testing.T) {
	t.Parallel()

	pool := NewPool(0, 0)
	cfg := &Config{Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s"}

	a, err := pool.GetClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	b, err := pool.GetClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}
