// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the flags byte plus body of a single frame.
const MaxFrameSize = 64 << 20

// Frame flags.
const (
	flagZstd       byte = 1 << 0 // body is zstd compressed
	flagJSON       byte = 1 << 1 // body is JSON rather than CBOR
	flagAcceptZstd byte = 1 << 2 // sender accepts compressed replies

	knownFlags = flagZstd | flagJSON | flagAcceptZstd
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxFrameSize),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		panic(err)
	}
}

// writeFrame writes [uvarint length][flags][body] in a single Write.
func writeFrame(w io.Writer, flags byte, body []byte) error {
	n := 1 + len(body)
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, 0, protowire.SizeVarint(uint64(n))+n)
	buf = protowire.AppendVarint(buf, uint64(n))
	buf = append(buf, flags)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame. io.EOF is returned only on a clean boundary.
func readFrame(r *bufio.Reader) (byte, []byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: length: %w", ErrBadFrame, err)
	}
	if size == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrBadFrame)
	}
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("%w: body: %w", ErrBadFrame, err)
	}
	return buf[0], buf[1:], nil
}

// encodeEnvelope encodes v with codec and compresses the result when it is
// larger than compressAbove. compressAbove <= 0 never compresses.
func encodeEnvelope(codec Codec, v any, compressAbove int) (byte, []byte, error) {
	body, err := codec.Encode(v)
	if err != nil {
		return 0, nil, err
	}
	var flags byte
	if codec.Name() == CodecJSON {
		flags |= flagJSON
	}
	if compressAbove > 0 && len(body) > compressAbove {
		body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagZstd
	}
	return flags, body, nil
}

// decodeEnvelope reverses encodeEnvelope and returns the codec the peer
// used, so replies can be encoded the same way.
func decodeEnvelope(flags byte, body []byte, v any) (Codec, error) {
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrBadFrame, flags)
	}
	if flags&flagZstd != 0 {
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrBadFrame, err)
		}
	}

	var codec Codec = defaultCodec
	if flags&flagJSON != 0 {
		codec = JSONCodec{}
	}
	if err := codec.Decode(body, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadFrame, codec.Name(), err)
	}
	return codec, nil
}
