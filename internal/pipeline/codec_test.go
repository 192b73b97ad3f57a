package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

func TestCodecRegistry_FixedWidthNumbers(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	tests := []struct {
		codec  string
		data   []byte
		endian string
		want   float64
	}{
		{"uint8", []byte{0xFF}, "", 255},
		{"int8", []byte{0xFF}, "", -1},
		{"uint16", []byte{0x01, 0x02}, "", 258},
		{"int16", []byte{0xFE, 0xFF}, "little", -2},
		{"uint32", []byte{0x00, 0x00, 0x01, 0x00}, "", 256},
		{"int32", []byte{0xFF, 0xFF, 0xFF, 0xFE}, "", -2},
		{"float32", []byte{0x42, 0x1C, 0x00, 0x00}, "", 39},
		{"float32", []byte{0x00, 0x00, 0x1C, 0x42}, "little", 39},
		{"float64", []byte{0x3F, 0xF8, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, "", 1.5},
	}
	for _, tc := range tests {
		t.Run(tc.codec+"/"+tc.endian, func(t *testing.T) {
			opts := pipeline.CodecOptions{}
			if tc.endian != "" {
				opts["endian"] = tc.endian
			}
			v, ok := r.Decode(tc.codec, tc.data, opts)
			require.True(t, ok)
			n, isNum := v.AsNumber()
			require.True(t, isNum)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestCodecRegistry_ShortInputFails(t *testing.T) {
	r := pipeline.NewCodecRegistry()
	_, ok := r.Decode("float32", []byte{0x42, 0x1C}, nil)
	assert.False(t, ok)
	_, ok = r.Decode("uint16", []byte{0x01}, nil)
	assert.False(t, ok)
}

func TestCodecRegistry_TrailingBytesIgnored(t *testing.T) {
	r := pipeline.NewCodecRegistry()
	v, ok := r.Decode("uint16", []byte{0x01, 0x02, 0xAA, 0xBB}, nil)
	require.True(t, ok)
	n, _ := v.AsNumber()
	assert.Equal(t, float64(258), n)
}

func TestCodecRegistry_UnknownCodec(t *testing.T) {
	r := pipeline.NewCodecRegistry()
	_, ok := r.Decode("nope", []byte{1}, nil)
	assert.False(t, ok)
	assert.False(t, r.Has("nope"))
	assert.True(t, r.Has("json"))
}

func TestCodecRegistry_JSON(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	v, ok := r.Decode("json", []byte(`{"temperature": 21.5, "ok": true}`), nil)
	require.True(t, ok)
	temp, found := v.Get("temperature")
	require.True(t, found)
	n, _ := temp.AsNumber()
	assert.Equal(t, 21.5, n)

	_, ok = r.Decode("json", []byte(`{"broken`), nil)
	assert.False(t, ok)
}

func TestCodecRegistry_UTF8AndRaw(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	v, ok := r.Decode("utf8", []byte("hello"), nil)
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "hello", s)

	v, ok = r.Decode("raw", []byte{0x01, 0x02}, nil)
	require.True(t, ok)
	b, _ := v.AsBytes()
	assert.Equal(t, []byte{0x01, 0x02}, b)
}

func TestCodecRegistry_Base64(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	v, ok := r.Decode("base64", []byte("aGVsbG8=\n"), nil)
	require.True(t, ok)
	b, _ := v.AsBytes()
	assert.Equal(t, []byte("hello"), b)

	_, ok = r.Decode("base64", []byte("!!not base64!!"), nil)
	assert.False(t, ok)
}

func TestCodecRegistry_Msgpack(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	raw, err := msgpack.Marshal(map[string]any{"temperature": 21.5, "unit": "C"})
	require.NoError(t, err)

	v, ok := r.Decode("msgpack", raw, nil)
	require.True(t, ok)
	temp, found := v.Get("temperature")
	require.True(t, found)
	n, _ := temp.AsNumber()
	assert.Equal(t, 21.5, n)

	_, ok = r.Decode("msgpack", []byte{0xC1}, nil)
	assert.False(t, ok)
}

func TestCodecRegistry_Protobuf(t *testing.T) {
	r := pipeline.NewCodecRegistry()

	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)
	raw = protowire.AppendTag(raw, 2, protowire.BytesType)
	raw = protowire.AppendString(raw, "pump")
	raw = protowire.AppendTag(raw, 3, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 7)
	raw = protowire.AppendTag(raw, 3, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 8)

	v, ok := r.Decode("protobuf", raw, nil)
	require.True(t, ok)

	f1, found := v.Get("1")
	require.True(t, found)
	n, _ := f1.AsNumber()
	assert.Equal(t, float64(42), n)

	f2, found := v.Get("2")
	require.True(t, found)
	s, _ := f2.AsString()
	assert.Equal(t, "pump", s)

	f3, found := v.Get("3")
	require.True(t, found)
	list, isList := f3.AsList()
	require.True(t, isList)
	require.Len(t, list, 2)

	_, ok = r.Decode("protobuf", []byte{0xFF, 0xFF}, nil)
	assert.False(t, ok)
}

func TestCodecRegistry_CustomRegistration(t *testing.T) {
	r := pipeline.NewCodecRegistry()
	r.Register("always7", func(_ []byte, _ pipeline.CodecOptions) (store.Value, error) {
		return store.Number(7), nil
	})
	v, ok := r.Decode("always7", nil, nil)
	require.True(t, ok)
	n, _ := v.AsNumber()
	assert.Equal(t, float64(7), n)
}
