package patch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// FormatValue 将一个值编码为 SQL 字面量
//
//	nil                    -> NULL
//	bool                   -> 1 / 0
//	数字                    -> 十进制文本
//	含 \n \r \t 的字符串     -> CAST(x'<hex>' AS TEXT)
//	其他字符串              -> '...'，单引号加倍
//	[]byte                 -> x'<hex>'
//	其他结构化类型           -> JSON 文本后按字符串转义
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case json.Number:
		return v.String()
	case string:
		return formatString(v)
	case []byte:
		return "x'" + strings.ToUpper(hex.EncodeToString(v)) + "'"
	case time.Time:
		return quote(v.Format(time.RFC3339Nano))
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return formatFloat(rv.Float())
	case reflect.String:
		return formatString(rv.String())
	case reflect.Bool:
		return FormatValue(rv.Bool())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "NULL"
		}
		return FormatValue(rv.Elem().Interface())
	}

	buf, err := json.Marshal(value)
	if err != nil {
		return quote(fmt.Sprintf("%v", value))
	}
	return quote(string(buf))
}

func formatString(s string) string {
	if strings.ContainsAny(s, "\n\r\t") {
		return "CAST(x'" + strings.ToUpper(hex.EncodeToString([]byte(s))) + "' AS TEXT)"
	}
	return quote(s)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SQLite 没有 NaN/Inf 字面量，按 NULL 处理
func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// QuoteIdent 用反引号包裹标识符，内部的反引号加倍
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
