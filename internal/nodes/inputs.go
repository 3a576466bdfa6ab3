package nodes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"math"
	"strconv"
	"strings"
)

// Inputs gives typed access to raw node input values. Missing or malformed
// values fall back to the spec default; numbers are clamped to the spec's
// bounds.
type Inputs struct {
	spec   Spec
	values map[string]any
}

func NewInputs(spec Spec, values map[string]any) Inputs {
	if values == nil {
		values = map[string]any{}
	}
	return Inputs{spec: spec, values: values}
}

// Validate checks that every required socket input without a default is
// connected.
func (in Inputs) Validate() error {
	for _, s := range in.spec.Inputs {
		if !s.Required || s.Default != nil {
			continue
		}
		if !in.Has(s.Name) {
			return fmt.Errorf("%w: %s", ErrMissingInput, s.Name)
		}
	}
	return nil
}

// Has reports whether name carries a non-empty value.
func (in Inputs) Has(name string) bool {
	v, ok := in.values[name]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func (in Inputs) def(name string) any {
	if s, ok := in.spec.input(name); ok {
		return s.Default
	}
	return nil
}

func (in Inputs) String(name string) string {
	if v, ok := in.values[name].(string); ok {
		return v
	}
	if v := in.values[name]; v != nil {
		return fmt.Sprint(v)
	}
	s, _ := in.def(name).(string)
	return s
}

func (in Inputs) Bool(name string) bool {
	switch v := in.values[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	b, _ := in.def(name).(bool)
	return b
}

func (in Inputs) Float(name string) float64 {
	v, ok := toFloat(in.values[name])
	if !ok {
		v, _ = toFloat(in.def(name))
	}
	return in.clamp(name, v)
}

func (in Inputs) Int(name string) int {
	v, ok := toFloat(in.values[name])
	if !ok {
		v, _ = toFloat(in.def(name))
	}
	return int(math.Round(in.clamp(name, v)))
}

func (in Inputs) clamp(name string, v float64) float64 {
	s, ok := in.spec.input(name)
	if !ok {
		return v
	}
	if s.Min != nil && v < *s.Min {
		v = *s.Min
	}
	if s.Max != nil && v > *s.Max {
		v = *s.Max
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Config decodes a model config socket into dst. Values may be the typed
// config itself or its JSON object form.
func (in Inputs) Config(name string, dst any) error {
	v, ok := in.values[name]
	if !ok || v == nil {
		return fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}

// Images decodes an image socket. A socket carries one base64 image or a
// list of them (a batch or video frames); data URL prefixes are accepted.
// An unconnected socket yields no images.
func (in Inputs) Images(name string) ([]image.Image, error) {
	var encoded []string
	switch v := in.values[name].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		encoded = []string{v}
	case []string:
		encoded = v
	case []any:
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected base64 string, got %T", name, i, e)
			}
			encoded = append(encoded, s)
		}
	case image.Image:
		return []image.Image{v}, nil
	case []image.Image:
		return v, nil
	default:
		return nil, fmt.Errorf("%s: unsupported image value %T", name, v)
	}

	out := make([]image.Image, 0, len(encoded))
	for i, s := range encoded {
		img, err := DecodeImage(s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out = append(out, img)
	}
	return out, nil
}

// DecodeImage decodes a base64 PNG or JPEG, optionally wrapped in a data URL.
func DecodeImage(s string) (image.Image, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	return img, nil
}

// EncodePNG re-encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeImage renders img as a base64 PNG, the wire form of image sockets.
func EncodeImage(img image.Image) (string, error) {
	raw, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
