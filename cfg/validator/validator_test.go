package validator

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type cipherOptions struct {
	PageSize      int    `validate:"gte=512"`
	HMACAlgorithm string `validate:"oneof=HMAC_SHA1 HMAC_SHA256 HMAC_SHA512"`
}

type fileOptions struct {
	Path string `validate:"required"`
}

type engineOptions struct {
	Driver      string        `validate:"oneof=sqlite3 sqlite"`
	Workers     int           `validate:"gt=0"`
	BusyTimeout time.Duration `validate:"gte=0"`
	Cipher      cipherOptions
	File        *fileOptions
	Tables      []string `validate:"dive,required"`
}

func validOptions() *engineOptions {
	return &engineOptions{
		Driver:      "sqlite3",
		Workers:     4,
		BusyTimeout: 5 * time.Second,
		Cipher:      cipherOptions{PageSize: 4096, HMACAlgorithm: "HMAC_SHA256"},
	}
}

func TestValidateStruct(t *testing.T) {
	Convey("TestValidateStruct", t, func() {
		Convey("合法配置", func() {
			So(ValidateStruct(validOptions()), ShouldBeNil)
		})

		Convey("枚举字段取值非法", func() {
			o := validOptions()
			o.Driver = "postgres"
			So(ValidateStruct(o), ShouldNotBeNil)
		})

		Convey("嵌套结构体中的字段同样校验", func() {
			o := validOptions()
			o.Cipher.HMACAlgorithm = "MD5"
			err := ValidateStruct(o)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "HMACAlgorithm")
		})

		Convey("未配置的可选子结构不校验，配置后校验", func() {
			o := validOptions()
			So(ValidateStruct(o), ShouldBeNil)

			o.File = &fileOptions{}
			So(ValidateStruct(o), ShouldNotBeNil)

			o.File.Path = "/var/log/plandb.log"
			So(ValidateStruct(o), ShouldBeNil)
		})

		Convey("切片元素逐个校验", func() {
			o := validOptions()
			o.Tables = []string{"users", ""}
			So(ValidateStruct(o), ShouldNotBeNil)
		})

		Convey("多层指针逐层解开", func() {
			o := validOptions()
			o.Workers = 0
			pp := &o
			So(ValidateStruct(pp), ShouldNotBeNil)
			So(ValidateStruct(*pp), ShouldNotBeNil)
		})

		Convey("nil、非结构体和 time.Time 直接跳过", func() {
			var nilOptions *engineOptions
			So(ValidateStruct(nil), ShouldBeNil)
			So(ValidateStruct(nilOptions), ShouldBeNil)
			So(ValidateStruct("sqlite3"), ShouldBeNil)
			So(ValidateStruct(map[string]string{"driver": "sqlite3"}), ShouldBeNil)
			So(ValidateStruct(time.Now()), ShouldBeNil)
		})
	})
}
