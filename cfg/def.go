package cfg

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SetDefaults 按 def tag 为零值字段设置默认值。
// 嵌套结构体会递归处理，nil 的结构体指针保持为 nil，表示该部分未配置
func SetDefaults(object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	return setDefaults(rv.Elem())
}

func setDefaults(rv reflect.Value) error {
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return setDefaults(rv.Elem())
	}
	if rv.Kind() != reflect.Struct || rv.Type() == timeType {
		return nil
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fieldValue := rv.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		if isStruct(fieldValue.Type()) {
			if err := setDefaults(fieldValue); err != nil {
				return errors.WithMessagef(err, "field %s", field.Name)
			}
			continue
		}

		// map 中的结构体指针，例如按名称配置的日志器
		if fieldValue.Kind() == reflect.Map && !fieldValue.IsNil() && isStruct(fieldValue.Type().Elem()) &&
			fieldValue.Type().Elem().Kind() == reflect.Ptr {
			for _, key := range fieldValue.MapKeys() {
				if err := setDefaults(fieldValue.MapIndex(key)); err != nil {
					return errors.WithMessagef(err, "field %s[%v]", field.Name, key.Interface())
				}
			}
			continue
		}

		defTag := field.Tag.Get("def")
		if defTag == "" || !fieldValue.IsZero() {
			continue
		}
		if err := setDefaultValue(fieldValue, defTag); err != nil {
			return errors.WithMessagef(err, "field %s", field.Name)
		}
	}
	return nil
}

func isStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && t != timeType
}

// setDefaultValue 把字符串形式的值写入字段，绑定配置时也会用到
func setDefaultValue(rv reflect.Value, value string) error {
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid bool value %q", value)
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.Wrapf(err, "invalid duration value %q", value)
			}
			rv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 0, rv.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid int value %q", value)
		}
		rv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, rv.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid uint value %q", value)
		}
		rv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, rv.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid float value %q", value)
		}
		rv.SetFloat(f)
	case reflect.Struct:
		if rv.Type() != timeType {
			return errors.Errorf("unsupported type %v", rv.Type())
		}
		return setTimeDefault(rv, value)
	case reflect.Slice:
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(rv.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setDefaultValue(slice.Index(i), strings.TrimSpace(part)); err != nil {
				return errors.WithMessagef(err, "element %d", i)
			}
		}
		rv.Set(slice)
	default:
		return errors.Errorf("unsupported type %v", rv.Type())
	}
	return nil
}

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// setTimeDefault 支持常见时间格式和 Unix 秒级时间戳
func setTimeDefault(rv reflect.Value, value string) error {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, value); err == nil {
			rv.Set(reflect.ValueOf(t))
			return nil
		}
	}
	if ts, err := strconv.ParseFloat(value, 64); err == nil {
		sec := int64(ts)
		rv.Set(reflect.ValueOf(time.Unix(sec, int64((ts-float64(sec))*1e9))))
		return nil
	}
	return errors.Errorf("invalid time value %q", value)
}
