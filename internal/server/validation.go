package server

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	// Lowercase DNS name with at least one dot and an alphabetic TLD.
	hostnamePattern = regexp.MustCompile(`^([a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}$`)
	// Absolute path of alphanumeric segments; "/" alone is the home page.
	pagePattern = regexp.MustCompile(`^/([a-zA-Z0-9_.~-]+(/[a-zA-Z0-9_.~-]+)*/?)?$`)
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("sitehost", func(fl validator.FieldLevel) bool {
			return hostnamePattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("pagepath", func(fl validator.FieldLevel) bool {
			return pagePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

type analyticsRequest struct {
	Hostname  string `json:"hostname" validate:"required,max=200,sitehost"`
	Referrer  string `json:"referer" validate:"omitempty,max=150,sitehost"`
	Page      string `json:"page" validate:"required,max=500,pagepath"`
	UserAgent string `json:"user_agent" validate:"max=200"`
}

type registerRequest struct {
	Hostname string `json:"hostname" validate:"required,max=150,sitehost"`
}

type overviewRequest struct {
	Hostname string `json:"hostname" validate:"required,max=150,sitehost"`
	Start    string `json:"start" validate:"required,max=25"`
	End      string `json:"end" validate:"required,max=25"`
}

// validateRequest returns a message naming the first failing field.
func validateRequest(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "sitehost":
		return fmt.Errorf("%s must be a lowercase hostname", fe.Field())
	case "pagepath":
		return fmt.Errorf("%s must be an absolute path", fe.Field())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}
