package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// Options 连接管理配置
type Options struct {
	// Driver database/sql 驱动名：sqlite3 (mattn/go-sqlite3) 或 sqlite (modernc.org/sqlite)
	Driver string `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 sqlite"`
	// BusyTimeout 等待其他连接释放锁的最长时间
	BusyTimeout time.Duration `cfg:"busyTimeout" def:"5s" validate:"gte=0"`
	// Cipher 加密库参数，只在提供密钥时生效
	Cipher CipherOptions `cfg:"cipher"`
}

// CipherOptions SQLCipher 参数
type CipherOptions struct {
	PageSize      int    `cfg:"pageSize" def:"4096" validate:"oneof=1024 2048 4096 8192 16384 32768 65536"`
	KDFIterations int    `cfg:"kdfIterations" def:"256000" validate:"gt=0"`
	HMACAlgorithm string `cfg:"hmacAlgorithm" def:"HMAC_SHA256" validate:"oneof=HMAC_SHA1 HMAC_SHA256 HMAC_SHA512"`
	KDFAlgorithm  string `cfg:"kdfAlgorithm" def:"PBKDF2_HMAC_SHA256" validate:"oneof=PBKDF2_HMAC_SHA1 PBKDF2_HMAC_SHA256 PBKDF2_HMAC_SHA512"`
}

// DefaultOptions 与配置默认值一致
func DefaultOptions() *Options {
	return &Options{
		Driver:      "sqlite3",
		BusyTimeout: 5 * time.Second,
		Cipher: CipherOptions{
			PageSize:      4096,
			KDFIterations: 256000,
			HMACAlgorithm: "HMAC_SHA256",
			KDFAlgorithm:  "PBKDF2_HMAC_SHA256",
		},
	}
}

// unlockPragmas 打开加密库需要依次执行的 PRAGMA，密钥必须最先设置
func (c *CipherOptions) unlockPragmas(key string) []string {
	return []string{
		fmt.Sprintf("PRAGMA key = %s", quoteLiteral(key)),
		fmt.Sprintf("PRAGMA cipher_page_size = %d", c.PageSize),
		fmt.Sprintf("PRAGMA kdf_iter = %d", c.KDFIterations),
		fmt.Sprintf("PRAGMA cipher_hmac_algorithm = %s", c.HMACAlgorithm),
		fmt.Sprintf("PRAGMA cipher_kdf_algorithm = %s", c.KDFAlgorithm),
	}
}

// AttachSQL 以别名挂载另一个数据库，有密钥时带上 KEY 子句
func AttachSQL(path, key, alias string) string {
	if key == "" {
		return fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteLiteral(path), QuoteIdent(alias))
	}
	return fmt.Sprintf("ATTACH DATABASE %s AS %s KEY %s", quoteLiteral(path), QuoteIdent(alias), quoteLiteral(key))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent 用双引号包裹标识符
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
