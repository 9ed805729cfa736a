// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3test serves a MemoryStore over the S3 REST API (HeadObject and
// SelectObjectContent only) so the real SDK client can be exercised in tests.
package s3test

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/s3client"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// recordsPayloadSize splits large results across several Records events.
const recordsPayloadSize = 64 * 1024

// SelectObjectContentRequest is the XML body of a select request.
type SelectObjectContentRequest struct {
	XMLName             xml.Name                  `xml:"SelectObjectContentRequest"`
	Expression          string                    `xml:"Expression"`
	ExpressionType      string                    `xml:"ExpressionType"`
	InputSerialization  SelectInputSerialization  `xml:"InputSerialization"`
	OutputSerialization SelectOutputSerialization `xml:"OutputSerialization"`
	ScanRange           *SelectScanRange          `xml:"ScanRange,omitempty"`
}

type SelectInputSerialization struct {
	CompressionType string          `xml:"CompressionType,omitempty"`
	CSV             *SelectCSVInput `xml:"CSV,omitempty"`
}

type SelectCSVInput struct {
	FileHeaderInfo  string `xml:"FileHeaderInfo,omitempty"`
	RecordDelimiter string `xml:"RecordDelimiter,omitempty"`
	FieldDelimiter  string `xml:"FieldDelimiter,omitempty"`
}

type SelectOutputSerialization struct {
	CSV  *SelectCSVOutput  `xml:"CSV,omitempty"`
	JSON *SelectJSONOutput `xml:"JSON,omitempty"`
}

type SelectCSVOutput struct {
	RecordDelimiter string `xml:"RecordDelimiter,omitempty"`
	FieldDelimiter  string `xml:"FieldDelimiter,omitempty"`
}

type SelectJSONOutput struct {
	RecordDelimiter string `xml:"RecordDelimiter,omitempty"`
}

// SelectScanRange is inclusive on both ends.
type SelectScanRange struct {
	Start *int64 `xml:"Start"`
	End   *int64 `xml:"End"`
}

// Server is an httptest server backed by a MemoryStore.
type Server struct {
	*httptest.Server
	Store *objectstore.MemoryStore

	lastRequest atomic.Pointer[SelectObjectContentRequest]
}

// NewServer starts a server for the given store. It is closed when the test
// ends.
func NewServer(t *testing.T, store *objectstore.MemoryStore) *Server {
	t.Helper()
	s := &Server{Store: store}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// Client returns an SDK client configured for path-style access to the
// server.
func (s *Server) Client(t *testing.T) *s3.Client {
	t.Helper()
	pool := s3client.NewPool(0, 0)
	t.Cleanup(func() { pool.Close() })

	client, err := pool.GetClient(context.Background(), &s3client.Config{
		Endpoint:        s.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PathStyle:       true,
	})
	require.NoError(t, err)
	return client
}

// LastSelect returns the most recent select request body.
func (s *Server) LastSelect() *SelectObjectContentRequest {
	return s.lastRequest.Load()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "bucket and key required")
		return
	}
	loc := types.ObjectLocator{Bucket: bucket, Key: key}

	switch {
	case r.Method == http.MethodHead:
		s.head(w, r, loc)
	case r.Method == http.MethodPost && r.URL.Query().Has("select"):
		s.selectContent(w, r, loc)
	default:
		writeError(w, http.StatusNotImplemented, "NotImplemented", r.Method+" not supported")
	}
}

func (s *Server) head(w http.ResponseWriter, r *http.Request, loc types.ObjectLocator) {
	size, err := s.Store.Head(r.Context(), loc)
	if err != nil {
		if errors.Is(err, objectstore.ErrNoSuchKey) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) selectContent(w http.ResponseWriter, r *http.Request, loc types.ObjectLocator) {
	var body SelectObjectContentRequest
	if err := xml.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	s.lastRequest.Store(&body)

	req, err := toSelectRequest(loc, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	rc, err := s.Store.Select(r.Context(), req)
	if err != nil {
		if errors.Is(err, objectstore.ErrNoSuchKey) {
			writeError(w, http.StatusNotFound, "NoSuchKey", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	enc := newEncoder(w)
	returned := int64(len(out))
	for len(out) > 0 {
		n := min(len(out), recordsPayloadSize)
		if err := enc.writeRecords(out[:n]); err != nil {
			return
		}
		out = out[n:]
	}
	scanned, _ := s.Store.Head(r.Context(), loc)
	if req.Range != nil {
		scanned = min(req.Range.Len(), scanned)
	}
	_ = enc.writeStats(scanned, scanned, returned)
	_ = enc.writeEnd()
}

func toSelectRequest(loc types.ObjectLocator, body *SelectObjectContentRequest) (objectstore.SelectRequest, error) {
	if body.ExpressionType != "SQL" {
		return objectstore.SelectRequest{}, fmt.Errorf("unsupported expression type %q", body.ExpressionType)
	}
	csvIn := body.InputSerialization.CSV
	if csvIn == nil {
		return objectstore.SelectRequest{}, errors.New("only CSV input is supported")
	}

	req := objectstore.SelectRequest{
		Locator:    loc,
		Delimiter:  types.DefaultDelimiter,
		HeaderInfo: objectstore.HeaderInfo(strings.ToUpper(csvIn.FileHeaderInfo)),
		Output:     objectstore.OutputCSV,
	}
	if req.HeaderInfo == "" {
		req.HeaderInfo = objectstore.HeaderNone
	}
	if d := []rune(csvIn.FieldDelimiter); len(d) == 1 {
		req.Delimiter = d[0]
	}
	if body.OutputSerialization.JSON != nil {
		req.Output = objectstore.OutputJSON
	}

	expr := strings.ToUpper(body.Expression)
	if i := strings.LastIndex(expr, " LIMIT "); i >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(expr[i+len(" LIMIT "):]))
		if err != nil {
			return objectstore.SelectRequest{}, fmt.Errorf("bad LIMIT: %w", err)
		}
		req.Limit = n
	}

	if sr := body.ScanRange; sr != nil {
		start := int64(0)
		if sr.Start != nil {
			start = *sr.Start
		}
		if sr.End == nil {
			return objectstore.SelectRequest{}, errors.New("scan range without End is not supported")
		}
		req.Range = &types.ByteRange{Start: start, End: *sr.End + 1}
	}
	return req, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`,
		code, xmlEscape(message))
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
