package task

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Get 获取值，不存在返回 nil
func (v Values) Get(key string) interface{} {
	if v == nil {
		return nil
	}
	return v[key]
}

// Has 判断键是否存在
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// String 获取字符串值
func (v Values) String(key string) string {
	switch s := v.Get(key).(type) {
	case nil:
		return ""
	case string:
		return s
	case File:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// Int 获取整数值
func (v Values) Int(key string) (int, error) {
	val := v.Get(key)
	if val == nil {
		return 0, fmt.Errorf("参数 %s 不存在", key)
	}

	switch n := val.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("参数 %s 类型不是整数，当前类型: %T", key, val)
	}
}

// Float 获取浮点值
func (v Values) Float(key string) (float64, error) {
	val := v.Get(key)
	if val == nil {
		return 0, fmt.Errorf("参数 %s 不存在", key)
	}
	return ToFloat(val)
}

// StringSlice 获取字符串切片，兼容 []interface{}
func (v Values) StringSlice(key string) ([]string, error) {
	seq, err := AsSequence(v.Get(key))
	if err != nil {
		return nil, fmt.Errorf("参数 %s: %w", key, err)
	}
	out := make([]string, 0, len(seq))
	for _, item := range seq {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case File:
			out = append(out, string(s))
		default:
			return nil, fmt.Errorf("参数 %s 元素类型不是字符串，当前类型: %T", key, item)
		}
	}
	return out, nil
}

// ToFloat 把数值或数值字符串转换为 float64
func ToFloat(val interface{}) (float64, error) {
	switch n := val.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("类型不是数值，当前类型: %T", val)
	}
}

// FloatSlice 把任意数值序列转换为 []float64
func FloatSlice(val interface{}) ([]float64, error) {
	seq, err := AsSequence(val)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(seq))
	for i, item := range seq {
		f, err := ToFloat(item)
		if err != nil {
			return nil, fmt.Errorf("第 %d 个元素: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// AsSequence 把切片或数组转换为 []interface{}，其他类型返回错误
func AsSequence(val interface{}) ([]interface{}, error) {
	if val == nil {
		return nil, fmt.Errorf("值为空，不是序列")
	}
	if seq, ok := val.([]interface{}); ok {
		return seq, nil
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		// []byte 视为标量
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, fmt.Errorf("类型 %T 不是序列", val)
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("类型 %T 不是序列", val)
	}
}

// Copy 返回浅拷贝
func (v Values) Copy() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
