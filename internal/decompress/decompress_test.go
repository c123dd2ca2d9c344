package decompress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func deflateBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindNone, DetectKind(""))
	assert.Equal(t, KindGzip, DetectKind("gzip"))
	assert.Equal(t, KindGzip, DetectKind("GZIP"))
	assert.Equal(t, KindDeflate, DetectKind("deflate"))
	assert.Equal(t, KindBrotli, DetectKind("br"))
	assert.Equal(t, KindUnsupported, DetectKind("compress"))
	assert.Equal(t, KindUnsupported, DetectKind("identity"))
}

func TestDecompress_Gzip(t *testing.T) {
	out, err := Decompress(KindGzip, gzipBytes(t, "<p>Hi</p>"), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "<p>Hi</p>", string(out))
}

func TestDecompress_Deflate(t *testing.T) {
	out, err := Decompress(KindDeflate, deflateBytes(t, "hello"), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDecompress_Brotli(t *testing.T) {
	out, err := Decompress(KindBrotli, brotliBytes(t, "hello brotli"), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "hello brotli", string(out))
}

func TestDecompress_Unsupported(t *testing.T) {
	_, err := Decompress(KindUnsupported, []byte("whatever"), 1<<20)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecompress_MalformedGzip(t *testing.T) {
	_, err := Decompress(KindGzip, []byte("not gzip"), 1<<20)
	assert.ErrorIs(t, err, ErrConversion)
}

func TestDecompress_ExactlyMaxOut(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 100)
	out, err := Decompress(KindGzip, gzipBytes(t, string(payload)), 100)
	require.NoError(t, err)
	assert.Len(t, out, 100)
}

func TestDecompress_ExceedsMaxOut(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 200)
	_, err := Decompress(KindGzip, gzipBytes(t, string(payload)), 100)
	assert.True(t, errors.Is(err, ErrResourceLimit))
}
