package pipeline

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

// CodecOptions carries per-rule decode options. The numeric codecs read
// "endian" ("big"|"little", default big).
type CodecOptions map[string]any

func (o CodecOptions) byteOrder() binary.ByteOrder {
	if e, ok := o["endian"].(string); ok && strings.EqualFold(e, "little") {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// DecodeFunc turns payload bytes into a Value. Any error (or panic, handled
// by the registry) is a decode failure and drops the message.
type DecodeFunc func(data []byte, opts CodecOptions) (store.Value, error)

// CodecRegistry is a name-keyed set of decoders. Later registration under the
// same name overwrites earlier.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]DecodeFunc
}

// NewCodecRegistry returns a registry preloaded with the builtin codecs.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]DecodeFunc)}
	r.Register("raw", decodeRaw)
	r.Register("utf8", decodeUTF8)
	r.Register("json", decodeJSON)
	r.Register("base64", decodeBase64)
	r.Register("uint8", fixedWidth(1, func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }))
	r.Register("int8", fixedWidth(1, func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) }))
	r.Register("uint16", fixedWidth(2, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) }))
	r.Register("int16", fixedWidth(2, func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }))
	r.Register("uint32", fixedWidth(4, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) }))
	r.Register("int32", fixedWidth(4, func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }))
	r.Register("float32", fixedWidth(4, func(b []byte, o binary.ByteOrder) float64 {
		return float64(math.Float32frombits(o.Uint32(b)))
	}))
	r.Register("float64", fixedWidth(8, func(b []byte, o binary.ByteOrder) float64 {
		return math.Float64frombits(o.Uint64(b))
	}))
	r.Register("msgpack", decodeMsgpack)
	r.Register("protobuf", decodeProtobuf)
	return r
}

// Register installs fn under name, replacing any previous codec.
func (r *CodecRegistry) Register(name string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = fn
}

// Has reports whether a codec is registered under name.
func (r *CodecRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[name]
	return ok
}

// Names returns the registered codec names, unordered.
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	return names
}

// Decode runs the named codec. ok is false for unknown codecs, decode errors
// and codec panics; the pipeline treats all three as a dropped message.
func (r *CodecRegistry) Decode(name string, data []byte, opts CodecOptions) (v store.Value, ok bool) {
	r.mu.RLock()
	fn, found := r.codecs[name]
	r.mu.RUnlock()
	if !found {
		return store.Null(), false
	}
	defer func() {
		if recover() != nil {
			v, ok = store.Null(), false
		}
	}()
	decoded, err := fn(data, opts)
	if err != nil {
		return store.Null(), false
	}
	return decoded, true
}

// ── builtins ──────────────────────────────────────────────────────────────

func decodeRaw(data []byte, _ CodecOptions) (store.Value, error) {
	return store.Bytes(data), nil
}

func decodeUTF8(data []byte, _ CodecOptions) (store.Value, error) {
	return store.String(string(data)), nil
}

func decodeJSON(data []byte, _ CodecOptions) (store.Value, error) {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return store.Null(), fmt.Errorf("json codec: %w", err)
	}
	return store.FromAny(x), nil
}

func decodeBase64(data []byte, _ CodecOptions) (store.Value, error) {
	out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return store.Null(), fmt.Errorf("base64 codec: %w", err)
	}
	return store.Bytes(out), nil
}

// fixedWidth builds a numeric codec requiring exactly width leading bytes.
// Short input is a decode failure, never a partial value.
func fixedWidth(width int, read func([]byte, binary.ByteOrder) float64) DecodeFunc {
	return func(data []byte, opts CodecOptions) (store.Value, error) {
		if len(data) < width {
			return store.Null(), fmt.Errorf("need %d bytes, have %d", width, len(data))
		}
		return store.Number(read(data[:width], opts.byteOrder())), nil
	}
}

func decodeMsgpack(data []byte, _ CodecOptions) (store.Value, error) {
	var x any
	if err := msgpack.Unmarshal(data, &x); err != nil {
		return store.Null(), fmt.Errorf("msgpack codec: %w", err)
	}
	return store.FromAny(x), nil
}

// decodeProtobuf walks the protobuf wire format without a schema and yields a
// mapping keyed by field number. Varints and fixed-width fields become
// numbers, length-delimited fields become strings when valid UTF-8 and raw
// bytes otherwise. Repeated fields collapse into a list.
func decodeProtobuf(data []byte, _ CodecOptions) (store.Value, error) {
	fields := make(map[string]store.Value)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var field store.Value
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
			}
			data = data[n:]
			field = store.Number(float64(v))
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
			}
			data = data[n:]
			field = store.Number(float64(v))
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
			}
			data = data[n:]
			field = store.Number(float64(v))
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if utf8.Valid(v) {
				field = store.String(string(v))
			} else {
				buf := make([]byte, len(v))
				copy(buf, v)
				field = store.Bytes(buf)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return store.Null(), fmt.Errorf("protobuf codec: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		key := strconv.Itoa(int(num))
		if prev, ok := fields[key]; ok {
			if list, isList := prev.AsList(); isList {
				fields[key] = store.List(append(list, field)...)
			} else {
				fields[key] = store.List(prev, field)
			}
		} else {
			fields[key] = field
		}
	}
	return store.Map(fields), nil
}
