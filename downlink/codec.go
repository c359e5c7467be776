// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package downlink

import (
	"bytes"
	"encoding/json"

	"github.com/luthuanphong/tbmq/internal/bufpool"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of the downlink service.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return bufpool.Encode(func(b *bytes.Buffer) error {
		return json.NewEncoder(b).Encode(v)
	})
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
