// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"
)

// Compile-time interface verification
var _ Store = (*S3Store)(nil)

// S3Store runs range queries through S3 Select.
type S3Store struct {
	client  *s3.Client
	limiter *rate.Limiter
}

// S3StoreConfig configures an S3Store.
type S3StoreConfig struct {
	Client *s3.Client

	// RequestsPerSecond throttles outbound requests from this process.
	// Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// NewS3Store creates a store backed by an S3 client.
func NewS3Store(cfg S3StoreConfig) *S3Store {
	s := &S3Store{client: cfg.Client}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

func (s *S3Store) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Head issues a HeadObject request and returns Content-Length.
func (s *S3Store) Head(ctx context.Context, loc types.ObjectLocator) (int64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}

	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	observeRequest("head", start, err)
	if err != nil {
		return 0, translateError(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Select issues a SelectObjectContent request. Records are streamed into the
// returned reader as the event stream delivers them.
func (s *S3Store) Select(ctx context.Context, req SelectRequest) (io.ReadCloser, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := s.client.SelectObjectContent(ctx, buildSelectInput(req))
	if err != nil {
		observeRequest("select", start, err)
		return nil, translateError(err)
	}

	stream := out.GetStream()
	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		for event := range stream.Events() {
			records, ok := event.(*s3types.SelectObjectContentEventStreamMemberRecords)
			if !ok {
				continue
			}
			if _, err := pw.Write(records.Value.Payload); err != nil {
				// Reader went away; nothing left to deliver to.
				observeRequest("select", start, err)
				return
			}
		}
		err := stream.Err()
		observeRequest("select", start, err)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// SelectExpression is the projection applied to every range query.
const SelectExpression = "SELECT * FROM S3Object s"

func buildSelectInput(req SelectRequest) *s3.SelectObjectContentInput {
	delim := string(req.Delimiter)
	if req.Delimiter == 0 {
		delim = string(types.DefaultDelimiter)
	}

	expr := SelectExpression
	if req.Limit > 0 {
		expr += " LIMIT " + strconv.Itoa(req.Limit)
	}

	headerInfo := s3types.FileHeaderInfoNone
	switch req.HeaderInfo {
	case HeaderIgnore:
		headerInfo = s3types.FileHeaderInfoIgnore
	case HeaderUse:
		headerInfo = s3types.FileHeaderInfoUse
	}

	input := &s3.SelectObjectContentInput{
		Bucket:         aws.String(req.Locator.Bucket),
		Key:            aws.String(req.Locator.Key),
		Expression:     aws.String(expr),
		ExpressionType: s3types.ExpressionTypeSql,
		InputSerialization: &s3types.InputSerialization{
			CompressionType: s3types.CompressionTypeNone,
			CSV: &s3types.CSVInput{
				FileHeaderInfo:  headerInfo,
				FieldDelimiter:  aws.String(delim),
				RecordDelimiter: aws.String("\n"),
			},
		},
	}

	if req.Output == OutputJSON {
		input.OutputSerialization = &s3types.OutputSerialization{
			JSON: &s3types.JSONOutput{RecordDelimiter: aws.String("\n")},
		}
	} else {
		input.OutputSerialization = &s3types.OutputSerialization{
			CSV: &s3types.CSVOutput{
				FieldDelimiter:  aws.String(delim),
				RecordDelimiter: aws.String("\n"),
			},
		}
	}

	// S3 scan ranges are inclusive on both ends.
	if req.Range != nil {
		input.ScanRange = &s3types.ScanRange{
			Start: aws.Int64(req.Range.Start),
			End:   aws.Int64(req.Range.InclusiveEnd()),
		}
	}
	return input
}

// translateError maps not-found responses onto package sentinels while
// keeping the original error in the chain.
func translateError(err error) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	}
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %w", ErrNoSuchBucket, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrNoSuchBucket, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	}
	return err
}
