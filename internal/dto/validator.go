package dto

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"labflow/internal/workflow"
)

// RegisterValidators 向 gin 的校验器注册自定义标签：
// hhmm → "15:04"，ymd → "2006-01-02"
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("gin 校验引擎不是 validator/v10")
	}
	return registerOn(v)
}

func registerOn(v *validator.Validate) error {
	if err := v.RegisterValidation("hhmm", layoutValidator(workflow.ClockLayout)); err != nil {
		return err
	}
	return v.RegisterValidation("ymd", layoutValidator(workflow.DateLayout))
}

func layoutValidator(layout string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.Parse(layout, s)
		return err == nil
	}
}
