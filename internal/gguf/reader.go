package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// MaxArrayLen bounds how many elements of a metadata array are kept.
// Longer arrays are skipped and recorded as an ArraySummary.
const MaxArrayLen = 1024

// maxStringLen guards against corrupt length prefixes.
const maxStringLen = 1 << 24

// ReadMetadata parses the header and key/value section of the GGUF file at path.
func ReadMetadata(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	file, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Path = path
	file.Size = info.Size()
	return file, nil
}

// Decode reads a GGUF header and metadata from r.
func Decode(r io.Reader) (*File, error) {
	d := &decoder{r: bufio.NewReaderSize(r, 64*1024)}

	var h GGUFHeader
	var err error
	if h.Magic, err = d.u32(); err != nil {
		return nil, err
	}
	if h.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: h.Magic}
	}
	if h.Version, err = d.u32(); err != nil {
		return nil, err
	}
	if h.Version < MinVersion || h.Version > MaxVersion {
		return nil, ErrUnsupportedVersion{Version: h.Version}
	}
	if h.TensorCount, err = d.u64(); err != nil {
		return nil, err
	}
	if h.KVCount, err = d.u64(); err != nil {
		return nil, err
	}

	file := &File{Header: h, KV: make(map[string]interface{}, h.KVCount)}
	for i := uint64(0); i < h.KVCount; i++ {
		key, err := d.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := d.u32()
		if err != nil {
			return nil, fmt.Errorf("kv %s type: %w", key, err)
		}
		val, err := d.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", key, err)
		}
		file.KV[key] = val
	}
	return file, nil
}

type decoder struct {
	r   *bufio.Reader
	buf [8]byte
}

func (d *decoder) read(n int) ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return d.buf[:n], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", io.ErrUnexpectedEOF
	}
	return string(b), nil
}

func (d *decoder) skip(n uint64) error {
	for n > 0 {
		chunk := n
		if chunk > math.MaxInt32 {
			chunk = math.MaxInt32
		}
		discarded, err := d.r.Discard(int(chunk))
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		n -= uint64(discarded)
	}
	return nil
}

func (d *decoder) value(typ GGUFMetadataValueType) (interface{}, error) {
	if size := typ.fixedSize(); size > 0 {
		b, err := d.read(size)
		if err != nil {
			return nil, err
		}
		return scalar(typ, b), nil
	}

	switch typ {
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeArray:
		return d.array()
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (d *decoder) array() (interface{}, error) {
	rawType, err := d.u32()
	if err != nil {
		return nil, err
	}
	elemType := GGUFMetadataValueType(rawType)
	n, err := d.u64()
	if err != nil {
		return nil, err
	}

	if n > MaxArrayLen {
		if err := d.skipArray(elemType, n); err != nil {
			return nil, err
		}
		return ArraySummary{Type: elemType, Len: n}, nil
	}

	arr := make([]interface{}, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := d.value(elemType)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func (d *decoder) skipArray(elemType GGUFMetadataValueType, n uint64) error {
	if size := elemType.fixedSize(); size > 0 {
		return d.skip(n * uint64(size))
	}
	for i := uint64(0); i < n; i++ {
		switch elemType {
		case GGUFMetadataValueTypeString:
			l, err := d.u64()
			if err != nil {
				return err
			}
			if err := d.skip(l); err != nil {
				return err
			}
		case GGUFMetadataValueTypeArray:
			if _, err := d.array(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported metadata type: %d", elemType)
		}
	}
	return nil
}

func scalar(typ GGUFMetadataValueType, b []byte) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return b[0]
	case GGUFMetadataValueTypeInt8:
		return int8(b[0])
	case GGUFMetadataValueTypeBool:
		return b[0] != 0
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(b)
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(b))
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(b)
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(b))
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(b)
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(b))
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return nil
}
