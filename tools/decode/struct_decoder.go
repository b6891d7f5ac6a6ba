package decode

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：
	// 例如 "123" -> int64、1.0 -> int64 等。
	WeaklyTypedInput bool
	// 是否拒绝未知字段（默认 false）
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// DecodeMap 将 JSON 解出的 map 解码到结构体 T，字段读取使用 `json` tag。
// 帧参数来自 encoding/json，数字一律是 float64，字符串 ID 也很常见，所以默认宽松解码。
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	if m == nil {
		m = map[string]any{}
	}

	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			trimmedStringToIntHook(),
			floatToIntHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return &out, nil
}

// float64 -> 整型：仅当无小数部分时允许
func floatToIntHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Float64 {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f := data.(float64)
			if f != float64(int64(f)) {
				return nil, fmt.Errorf("expected integer, got %v", f)
			}
			return int64(f), nil
		default:
			return data, nil
		}
	}
}

// " 123 " -> int64，空串保持原样交给 mapstructure 处理
func trimmedStringToIntHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Int64 {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return data, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", s)
		}
		return v, nil
	}
}
