package patch

import (
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDirection(t *testing.T) {
	Convey("TestDirection", t, func() {
		for _, d := range []Direction{SourceToTarget, TargetToSource} {
			parsed, err := ParseDirection(d.String())
			So(err, ShouldBeNil)
			So(parsed, ShouldEqual, d)
			So(d.Validate(), ShouldBeNil)
		}

		_, err := ParseDirection("sideways")
		So(errors.Is(err, ErrInvalidDirection), ShouldBeTrue)
		So(errors.Is(Direction(9).Validate(), ErrInvalidDirection), ShouldBeTrue)
	})
}

func TestPatchType(t *testing.T) {
	Convey("TestPatchType", t, func() {
		for _, pt := range []PatchType{PatchAll, PatchMissingOnly, PatchExtraOnly, PatchDifferentOnly} {
			parsed, err := ParsePatchType(pt.String())
			So(err, ShouldBeNil)
			So(parsed, ShouldEqual, pt)
		}

		Convey("过滤规则", func() {
			So(PatchAll.includeMissing() && PatchAll.includeExtra() && PatchAll.includeDifferent(), ShouldBeTrue)
			So(PatchMissingOnly.includeMissing(), ShouldBeTrue)
			So(PatchMissingOnly.includeExtra(), ShouldBeFalse)
			So(PatchExtraOnly.includeExtra(), ShouldBeTrue)
			So(PatchExtraOnly.includeDifferent(), ShouldBeFalse)
			So(PatchDifferentOnly.includeDifferent(), ShouldBeTrue)
			So(PatchDifferentOnly.includeMissing(), ShouldBeFalse)
		})

		_, err := ParsePatchType("everything")
		So(errors.Is(err, ErrInvalidPatchType), ShouldBeTrue)
	})
}
