package patch

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidDirection = errors.New("invalid patch direction")
	ErrInvalidPatchType = errors.New("invalid patch type")
	ErrTableNotFound    = errors.New("table not found")
	ErrDataLoss         = errors.New("data loss risk")
	ErrMalformedInput   = errors.New("malformed row diff input")
)

// Direction 补丁方向
type Direction int

const (
	// SourceToTarget db1 为模板，修改 db2
	SourceToTarget Direction = iota
	// TargetToSource db2 为模板，修改 db1
	TargetToSource
)

func (d Direction) String() string {
	switch d {
	case SourceToTarget:
		return "source_to_target"
	case TargetToSource:
		return "target_to_source"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Validate 检查方向是否为已知取值
func (d Direction) Validate() error {
	switch d {
	case SourceToTarget, TargetToSource:
		return nil
	default:
		return errors.Wrapf(ErrInvalidDirection, "direction %d", int(d))
	}
}

// ParseDirection 解析 "source_to_target" / "target_to_source"
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source_to_target", "forward", "":
		return SourceToTarget, nil
	case "target_to_source", "reverse":
		return TargetToSource, nil
	default:
		return SourceToTarget, errors.Wrapf(ErrInvalidDirection, "direction %q", s)
	}
}

// PatchType 数据补丁过滤类型
type PatchType int

const (
	PatchAll PatchType = iota
	PatchMissingOnly
	PatchExtraOnly
	PatchDifferentOnly
)

func (t PatchType) String() string {
	switch t {
	case PatchAll:
		return "all"
	case PatchMissingOnly:
		return "missing-only"
	case PatchExtraOnly:
		return "extra-only"
	case PatchDifferentOnly:
		return "different-only"
	default:
		return fmt.Sprintf("PatchType(%d)", int(t))
	}
}

// Validate 检查补丁类型是否为已知取值
func (t PatchType) Validate() error {
	switch t {
	case PatchAll, PatchMissingOnly, PatchExtraOnly, PatchDifferentOnly:
		return nil
	default:
		return errors.Wrapf(ErrInvalidPatchType, "patch type %d", int(t))
	}
}

// ParsePatchType 解析 "all" / "missing-only" / "extra-only" / "different-only"
func ParsePatchType(s string) (PatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return PatchAll, nil
	case "missing-only", "missing_only", "missing":
		return PatchMissingOnly, nil
	case "extra-only", "extra_only", "extra":
		return PatchExtraOnly, nil
	case "different-only", "different_only", "different":
		return PatchDifferentOnly, nil
	default:
		return PatchAll, errors.Wrapf(ErrInvalidPatchType, "patch type %q", s)
	}
}

func (t PatchType) includeMissing() bool {
	switch t {
	case PatchAll, PatchMissingOnly:
		return true
	case PatchExtraOnly, PatchDifferentOnly:
		return false
	default:
		return false
	}
}

func (t PatchType) includeExtra() bool {
	switch t {
	case PatchAll, PatchExtraOnly:
		return true
	case PatchMissingOnly, PatchDifferentOnly:
		return false
	default:
		return false
	}
}

func (t PatchType) includeDifferent() bool {
	switch t {
	case PatchAll, PatchDifferentOnly:
		return true
	case PatchMissingOnly, PatchExtraOnly:
		return false
	default:
		return false
	}
}

// DataLossError 重建表时新旧结构没有公共列，继续执行会得到一张空表
type DataLossError struct {
	Table string
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("data loss risk: table %s has no common columns between old and new shape, recreation would lose all rows", e.Table)
}

func (e *DataLossError) Unwrap() error {
	return ErrDataLoss
}
