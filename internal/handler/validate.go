package handler

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const maxRollNoLen = 256

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// report form names (roll_no) instead of struct field names
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("form"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("rollno", validRollNo)
	}
}

// validRollNo accepts any non-blank roll number up to maxRollNoLen bytes.
// The value is otherwise stored and looked up exactly as submitted.
func validRollNo(fl validator.FieldLevel) bool {
	return isRollNo(fl.Field().String())
}

func isRollNo(s string) bool {
	return strings.TrimSpace(s) != "" && len(s) <= maxRollNoLen
}

// bindMessage turns validator output into a short client-facing message.
func bindMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "rollno":
		return "roll_no must be non-empty and at most 256 characters"
	default:
		return fe.Field() + " is invalid"
	}
}
