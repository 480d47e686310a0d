package cfg

import (
	"os"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/cfg/decoder"
	"github.com/planp1125-pixel/plandb-mvp/cfg/validator"
)

// Load 读取配置文件并依次完成绑定、默认值和校验。filename 为空时只设置默认值并校验
func Load(filename string, object any) error {
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return errors.Wrapf(err, "os.ReadFile failed. filename: %s", filename)
		}
		d, err := decoder.ForFile(filename)
		if err != nil {
			return err
		}
		if err := decode(d, data, object); err != nil {
			return errors.WithMessagef(err, "load %s", filename)
		}
	}
	return finish(object)
}

// Decode 按格式名解析配置内容，format 可以是 yaml/yml/toml/json/ini
func Decode(data []byte, format string, object any) error {
	d, err := decoder.NewDecoder(format)
	if err != nil {
		return err
	}
	if err := decode(d, data, object); err != nil {
		return err
	}
	return finish(object)
}

func decode(d decoder.Decoder, data []byte, object any) error {
	tree, err := d.Decode(data)
	if err != nil {
		return err
	}
	if err := Bind(tree, object); err != nil {
		return errors.WithMessage(err, "bind config failed")
	}
	return nil
}

func finish(object any) error {
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "set defaults failed")
	}
	if err := validator.ValidateStruct(object); err != nil {
		return errors.Wrap(err, "validate config failed")
	}
	return nil
}
