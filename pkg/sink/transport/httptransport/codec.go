// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httptransport

import (
	"bytes"
	"io"
	"sync"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip" // faster than stdlib
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// content encodings of request bodies.
const (
	encodingGzip   = "gzip"
	encodingZstd   = "zstd"
	encodingSnappy = "snappy"
)

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

var gzipReaderPool = sync.Pool{
	New: func() any {
		return &gzip.Reader{}
	},
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCodec returns the shared zstd encoder and decoder. Both are only used
// through EncodeAll and DecodeAll, which are safe for concurrent use.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compress encodes body with the named compression and returns the value
// of the Content-Encoding header, empty for none.
func compress(compression string, body []byte) ([]byte, string, error) {
	switch compression {
	case config.CompressionGzip:
		var buf bytes.Buffer
		z := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(z)
		z.Reset(&buf)
		if _, err := z.Write(body); err != nil {
			return nil, "", errors.Trace(err)
		}
		if err := z.Close(); err != nil {
			return nil, "", errors.Trace(err)
		}
		return buf.Bytes(), encodingGzip, nil
	case config.CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, "", errors.Trace(err)
		}
		return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), encodingZstd, nil
	case config.CompressionSnappy:
		return snappy.Encode(nil, body), encodingSnappy, nil
	default:
		return body, "", nil
	}
}

// decompress reads a body sent with the given Content-Encoding.
func decompress(encoding string, r io.Reader) ([]byte, error) {
	switch encoding {
	case "", "identity":
		data, err := io.ReadAll(r)
		return data, errors.Trace(err)
	case encodingGzip:
		z := gzipReaderPool.Get().(*gzip.Reader)
		if err := z.Reset(r); err != nil {
			gzipReaderPool.Put(z)
			return nil, common.ErrCorruptedPayload.Wrap(err).GenWithStackByArgs()
		}
		defer func() {
			_ = z.Close()
			gzipReaderPool.Put(z)
		}()
		data, err := io.ReadAll(z)
		if err != nil {
			return nil, common.ErrCorruptedPayload.Wrap(err).GenWithStackByArgs()
		}
		return data, nil
	case encodingZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, errors.Trace(err)
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		data, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, common.ErrCorruptedPayload.Wrap(err).GenWithStackByArgs()
		}
		return data, nil
	case encodingSnappy:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		data, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, common.ErrCorruptedPayload.Wrap(err).GenWithStackByArgs()
		}
		return data, nil
	}
	return nil, common.ErrCorruptedPayload.GenWithStack("unsupported content encoding %q", encoding)
}
