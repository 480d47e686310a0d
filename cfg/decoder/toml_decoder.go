package decoder

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type TomlDecoder struct{}

func NewTomlDecoder() *TomlDecoder {
	return &TomlDecoder{}
}

func (t *TomlDecoder) Decode(data []byte) (any, error) {
	var parsed map[string]any
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrap(err, "toml.Unmarshal failed")
	}
	return parsed, nil
}
