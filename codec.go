// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes call envelopes.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
	Name() string
}

// Codec names, as used in Config.Codec.
const (
	CodecCBOR = "cbor"
	CodecJSON = "json"
)

// CBORCodec encodes envelopes in deterministic CBOR.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec with core deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

func (*CBORCodec) Name() string { return CodecCBOR }

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return CodecJSON }

// defaultCodec is used when no codec is specified
var defaultCodec Codec = mustCBOR()

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecCBOR:
		return defaultCodec, nil
	case CodecJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}
