// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3test

import (
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// encoder writes S3 Select response events.
type encoder struct {
	writer  io.Writer
	encoder *eventstream.Encoder
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		writer:  w,
		encoder: eventstream.NewEncoder(),
	}
}

func (e *encoder) writeRecords(payload []byte) error {
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue("Records")},
			{Name: ":content-type", Value: eventstream.StringValue("application/octet-stream")},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
		Payload: payload,
	}
	return e.encoder.Encode(e.writer, msg)
}

func (e *encoder) writeStats(bytesScanned, bytesProcessed, bytesReturned int64) error {
	payload := fmt.Sprintf(
		`<Stats><BytesScanned>%d</BytesScanned><BytesProcessed>%d</BytesProcessed><BytesReturned>%d</BytesReturned></Stats>`,
		bytesScanned, bytesProcessed, bytesReturned,
	)
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue("Stats")},
			{Name: ":content-type", Value: eventstream.StringValue("text/xml")},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
		Payload: []byte(payload),
	}
	return e.encoder.Encode(e.writer, msg)
}

func (e *encoder) writeEnd() error {
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue("End")},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
	}
	return e.encoder.Encode(e.writer, msg)
}
