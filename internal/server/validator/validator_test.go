package validator

import (
	"errors"
	"testing"

	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
)

type sample struct {
	MaxLength *int `form:"max_length" binding:"omitempty,min=1,max=512"`
	NumBeams  *int `form:"num_beams" binding:"omitempty,min=1,max=16"`
}

func intPtr(v int) *int { return &v }

func TestParseError_UsesFormNames(t *testing.T) {
	v := New()

	err := binding.Validator.ValidateStruct(&sample{MaxLength: intPtr(0), NumBeams: intPtr(32)})
	errs := v.ParseError(err)

	assert.Contains(t, errs, "max_length")
	assert.Contains(t, errs, "num_beams")
	assert.Contains(t, errs["num_beams"], "16")
}

func TestParseError_Valid(t *testing.T) {
	New()
	assert.NoError(t, binding.Validator.ValidateStruct(&sample{MaxLength: intPtr(20)}))
	assert.NoError(t, binding.Validator.ValidateStruct(&sample{}))
}

func TestParseError_NonValidation(t *testing.T) {
	errs := New().ParseError(errors.New("strconv.ParseInt: parsing \"abc\": invalid syntax"))
	assert.Contains(t, errs["form"], "invalid syntax")
}
