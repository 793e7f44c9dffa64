package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/marmos91/rendezvous/internal/bytesize"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(bytesize.Size(0))
	portsType    = reflect.TypeOf([]int(nil))
)

// decodeHooks converts raw file and environment values into the typed
// fields of Config.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		byteSizeHook,
		portsHook,
	)
}

func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return secondsToDuration(v), nil
	}
	return data, nil
}

func byteSizeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != byteSizeType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return ParseByteSize(v)
	case int:
		return nonNegativeSize(int64(v))
	case int64:
		return nonNegativeSize(v)
	case uint64:
		return bytesize.Size(v), nil
	case float64:
		return nonNegativeSize(int64(v))
	}
	return data, nil
}

func nonNegativeSize(n int64) (bytesize.Size, error) {
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %d: must not be negative", n)
	}
	return bytesize.Size(n), nil
}

func portsHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != portsType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return ParsePorts(v)
	case int:
		return []int{v}, nil
	}
	return data, nil
}
