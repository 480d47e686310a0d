package patch

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Row 一行数据，列名到值
type Row map[string]any

// RowPair 主键相同但部分列不同的两行
type RowPair struct {
	SourceRow        Row      `json:"sourceRow"`
	TargetRow        Row      `json:"targetRow"`
	DifferentColumns []string `json:"differentColumns"`
}

// RowComparison 外部比较组件给出的单表行级差异
type RowComparison struct {
	MissingInTarget []Row     `json:"missingInTarget"`
	ExtraInTarget   []Row     `json:"extraInTarget"`
	DifferentRows   []RowPair `json:"differentRows"`
	CommonColumns   []string  `json:"commonColumns"`
}

// RowDiffInput 单表的行级差异输入
type RowDiffInput struct {
	TableName  string        `json:"tableName"`
	KeyColumn  string        `json:"keyColumn"`
	Comparison RowComparison `json:"comparison"`
}

// DecodeRowDiffs 从 JSON 数组解码行级差异，数字保留为 json.Number 以免精度丢失
func DecodeRowDiffs(r io.Reader) ([]RowDiffInput, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var inputs []RowDiffInput
	if err := dec.Decode(&inputs); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "json.Decoder.Decode failed: %v", err)
	}
	return inputs, nil
}

// Validate 检查在给定方向与过滤类型下生成语句所需的字段是否齐全
func (in *RowDiffInput) Validate(dir Direction, patchType PatchType) error {
	if in.TableName == "" {
		return errors.Wrap(ErrMalformedInput, "missing table name")
	}
	if in.KeyColumn == "" {
		return errors.Wrapf(ErrMalformedInput, "table %s: missing key column", in.TableName)
	}

	// INSERT 写入主键，DELETE 按主键定位，都需要主键值
	c := &in.Comparison
	if patchType.includeMissing() {
		if err := in.requireKeys("missingInTarget", c.MissingInTarget); err != nil {
			return err
		}
	}
	if patchType.includeExtra() {
		if err := in.requireKeys("extraInTarget", c.ExtraInTarget); err != nil {
			return err
		}
	}
	if patchType.includeDifferent() {
		for i, pair := range c.DifferentRows {
			row := pair.template(dir)
			if row == nil {
				return errors.Wrapf(ErrMalformedInput, "table %s: differentRows[%d]: missing template row", in.TableName, i)
			}
			if _, ok := row[in.KeyColumn]; !ok {
				return errors.Wrapf(ErrMalformedInput, "table %s: differentRows[%d]: missing key column %s", in.TableName, i, in.KeyColumn)
			}
			for _, col := range pair.DifferentColumns {
				if _, ok := row[col]; !ok {
					return errors.Wrapf(ErrMalformedInput, "table %s: differentRows[%d]: missing value for column %s", in.TableName, i, col)
				}
			}
		}
	}
	return nil
}

func (in *RowDiffInput) requireKeys(bucket string, rows []Row) error {
	for i, row := range rows {
		if _, ok := row[in.KeyColumn]; !ok {
			return errors.Wrapf(ErrMalformedInput, "table %s: %s[%d]: missing key column %s", in.TableName, bucket, i, in.KeyColumn)
		}
	}
	return nil
}

// template 返回作为模板的一行，UPDATE 的取值来源
func (p *RowPair) template(dir Direction) Row {
	if dir == TargetToSource {
		return p.TargetRow
	}
	return p.SourceRow
}
