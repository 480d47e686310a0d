package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// Bind 把解码得到的通用结构写入 object。
// 字段名优先取 cfg tag，其次 json tag，最后是字段名，匹配时不区分大小写
func Bind(data any, object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	return convertValue(data, rv.Elem(), "")
}

func convertValue(src any, dst reflect.Value, path string) error {
	srcValue := reflect.ValueOf(src)
	if !srcValue.IsValid() {
		return nil
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return convertValue(src, dst.Elem(), path)
	}

	switch dst.Type() {
	case durationType:
		return convertToDuration(srcValue, dst, path)
	case timeType:
		return convertToTime(srcValue, dst, path)
	}

	if srcValue.Type().AssignableTo(dst.Type()) {
		dst.Set(srcValue)
		return nil
	}

	switch dst.Kind() {
	case reflect.Map:
		return convertToMap(srcValue, dst, path)
	case reflect.Slice:
		return convertToSlice(srcValue, dst, path)
	case reflect.Struct:
		return convertToStruct(srcValue, dst, path)
	case reflect.String:
		// ini/yaml 里没加引号的数字也可以赋给字符串字段
		dst.SetString(fmt.Sprint(src))
		return nil
	case reflect.Bool:
		if srcValue.Kind() == reflect.String {
			b, err := strconv.ParseBool(srcValue.String())
			if err != nil {
				return errors.Wrapf(err, "field %s", path)
			}
			dst.SetBool(b)
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if srcValue.Kind() == reflect.String {
			return setDefaultValue(dst, srcValue.String())
		}
		if isNumber(srcValue.Kind()) {
			dst.Set(srcValue.Convert(dst.Type()))
			return nil
		}
	case reflect.Interface:
		if dst.Type().NumMethod() == 0 {
			dst.Set(srcValue)
			return nil
		}
	}

	return errors.Errorf("field %s: cannot convert %v to %v", path, srcValue.Type(), dst.Type())
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// convertToDuration 字符串按 time.ParseDuration 解析，整数视为纳秒，浮点数视为秒
func convertToDuration(src, dst reflect.Value, path string) error {
	switch src.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(src.String())
		if err != nil {
			return errors.Wrapf(err, "field %s", path)
		}
		dst.SetInt(int64(d))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(src.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		dst.SetInt(int64(src.Uint()))
	case reflect.Float32, reflect.Float64:
		dst.SetInt(int64(src.Float() * float64(time.Second)))
	default:
		return errors.Errorf("field %s: cannot convert %v to time.Duration", path, src.Type())
	}
	return nil
}

func convertToTime(src, dst reflect.Value, path string) error {
	if src.Type() == timeType {
		dst.Set(src)
		return nil
	}
	if src.Kind() != reflect.String {
		if !isNumber(src.Kind()) {
			return errors.Errorf("field %s: cannot convert %v to time.Time", path, src.Type())
		}
		return setTimeDefault(dst, fmt.Sprint(src.Interface()))
	}
	if err := setTimeDefault(dst, src.String()); err != nil {
		return errors.WithMessagef(err, "field %s", path)
	}
	return nil
}

func convertToMap(src, dst reflect.Value, path string) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("field %s: source is not a map", path)
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}

	keyType := dst.Type().Key()
	for _, key := range src.MapKeys() {
		item := reflect.New(dst.Type().Elem()).Elem()
		keyName := fmt.Sprint(key.Interface())
		if err := convertValue(src.MapIndex(key).Interface(), item, join(path, keyName)); err != nil {
			return err
		}

		dstKey := key
		if key.Kind() == reflect.Interface {
			dstKey = key.Elem()
		}
		if !dstKey.Type().AssignableTo(keyType) {
			if keyType.Kind() != reflect.String {
				return errors.Errorf("field %s: cannot convert key %v to %v", path, dstKey.Type(), keyType)
			}
			dstKey = reflect.ValueOf(keyName).Convert(keyType)
		}
		dst.SetMapIndex(dstKey, item)
	}
	return nil
}

func convertToSlice(src, dst reflect.Value, path string) error {
	if src.Kind() != reflect.Slice && src.Kind() != reflect.Array {
		// 单个值当作只有一个元素的列表
		slice := reflect.MakeSlice(dst.Type(), 1, 1)
		if err := convertValue(src.Interface(), slice.Index(0), path+"[0]"); err != nil {
			return err
		}
		dst.Set(slice)
		return nil
	}

	length := src.Len()
	slice := reflect.MakeSlice(dst.Type(), length, length)
	for i := 0; i < length; i++ {
		if err := convertValue(src.Index(i).Interface(), slice.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	dst.Set(slice)
	return nil
}

func convertToStruct(src, dst reflect.Value, path string) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("field %s: source is not a map", path)
	}

	values := make(map[string]reflect.Value, src.Len())
	for _, key := range src.MapKeys() {
		values[strings.ToLower(fmt.Sprint(key.Interface()))] = src.MapIndex(key)
	}

	dstType := dst.Type()
	for i := 0; i < dstType.NumField(); i++ {
		field := dstType.Field(i)
		fieldValue := dst.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		name := fieldName(field)
		if name == "-" {
			continue
		}
		v, ok := values[strings.ToLower(name)]
		if !ok {
			continue
		}
		if err := convertValue(v.Interface(), fieldValue, join(path, name)); err != nil {
			return err
		}
	}
	return nil
}

func fieldName(field reflect.StructField) string {
	for _, tagName := range []string{"cfg", "json"} {
		if tag := field.Tag.Get(tagName); tag != "" {
			if name := strings.Split(tag, ",")[0]; name != "" {
				return name
			}
		}
	}
	return field.Name
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
