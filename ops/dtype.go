package ops

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
)

// DType is the working precision values are rounded to.
type DType string

const (
	F32  DType = "f32"
	F16  DType = "f16"
	BF16 DType = "bf16"
)

func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case "", F32, "float32":
		return F32, nil
	case F16, "float16", "fp16":
		return F16, nil
	case BF16, "bfloat16":
		return BF16, nil
	default:
		return "", fmt.Errorf("ops: unknown dtype %q", s)
	}
}

// Round returns a copy of t with every element rounded to the precision of
// dtype and widened back to float32.
func Round(t *tensor.Dense, dtype DType) *tensor.Dense {
	out := Clone(t)
	data := Data(out)
	switch dtype {
	case F16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range data {
			data[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	}
	return out
}
