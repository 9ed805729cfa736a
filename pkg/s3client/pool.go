// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3client builds and caches SDK clients for S3-compatible stores.
// Workers share one pool so chunk tasks against the same endpoint reuse
// connections.
package s3client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config identifies an S3 endpoint and the credentials used against it.
// Empty AccessKeyID falls back to the SDK's default credential chain.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool

	// MaxAttempts overrides the SDK retryer when > 0.
	MaxAttempts int
}

func (c *Config) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%t|%d", c.Endpoint, c.Region, c.AccessKeyID, c.PathStyle, c.MaxAttempts)
}

// Pool caches clients by endpoint, region and access key.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*s3.Client

	httpClient *http.Client
}

// NewPool creates a pool. Select responses for large ranges can stream for a
// while, so the timeout bounds the whole request, not the first byte.
func NewPool(timeout time.Duration, maxIdleConns int) *Pool {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	return &Pool{
		clients: make(map[string]*s3.Client),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: max(maxIdleConns/10, 2),
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// GetClient returns a cached client for cfg, creating it on first use.
func (p *Pool) GetClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	key := cfg.cacheKey()

	p.mu.RLock()
	client, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client, nil
	}

	client, err := p.newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[key] = client

	logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("region", cfg.Region).
		Bool("path_style", cfg.PathStyle).
		Msg("created S3 client")

	return client, nil
}

func (p *Pool) newClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(p.httpClient),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	}), nil
}

// Close drops cached clients and idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients = make(map[string]*s3.Client)
	p.httpClient.CloseIdleConnections()
	return nil
}
