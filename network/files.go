package network

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"monkeykit/models"
)

// CompressionLZ4 extends the props.cmpr values understood for files.
const CompressionLZ4 = "lz4"

// maxFilePayload bounds a decompressed file payload.
const maxFilePayload = 64 * 1024 * 1024

// zstdEncoder and zstdDecoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("network: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFilePayload))
	if err != nil {
		panic("network: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with method. An empty method returns data
// unchanged.
func compressPayload(method string, data []byte) ([]byte, error) {
	switch method {
	case "":
		return data, nil
	case models.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case models.CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", method)
	}
}

func decompressPayload(method string, data []byte) ([]byte, error) {
	var r io.Reader
	switch method {
	case "":
		return data, nil
	case models.CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer gz.Close()
		r = gz
	case models.CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown compression %q", method)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxFilePayload+1))
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", method, err)
	}
	if len(out) > maxFilePayload {
		return nil, fmt.Errorf("%s decompress: payload exceeds %d bytes", method, maxFilePayload)
	}
	return out, nil
}

// DecodeFile turns a downloaded file payload of msg back into its bytes:
// decrypt when props mark it encrypted, then base64 decode and decompress.
func (s *SessionManager) DecodeFile(msg *models.Message, payload string) ([]byte, error) {
	if msg.IsEncrypted() {
		s.mu.Lock()
		keys := s.keys
		s.mu.Unlock()
		if keys == nil {
			return nil, ErrNoIdentity
		}
		plaintext, err := keys.Decrypt(payload, msg.KeyPeer())
		if err != nil {
			return nil, fmt.Errorf("decrypt file %d: %w", msg.ID, err)
		}
		payload = plaintext
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode file %d: %w", msg.ID, err)
	}
	return decompressPayload(msg.Compression(), raw)
}
