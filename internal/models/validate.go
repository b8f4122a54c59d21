package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the rule-level checks registered
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterStructValidation(ruleStructLevel, Rule{})
	})
	return validate
}

// ruleStructLevel checks the invariants that depend on the rule's strategy tags
func ruleStructLevel(sl validator.StructLevel) {
	rule := sl.Current().Interface().(Rule)

	if rule.MatchType == MatchTypeScript && strings.TrimSpace(rule.MatchCondition.Script) == "" {
		sl.ReportError(rule.MatchCondition.Script, "matchCondition.script", "Script", "required_for_script_match", "")
	}

	// an omitted limit decodes as 0 and would pin every step delay at zero
	if rule.Delay != nil && rule.Delay.Type == DelayTypeStep && rule.Delay.Limit <= 0 {
		sl.ReportError(rule.Delay.Limit, "delay.limit", "Limit", "required_for_step_delay", "")
	}

	switch rule.Response.Type {
	case ResponseTypeStatic, ResponseTypeDynamic:
		if rule.Response.Content.StatusCode == 0 {
			sl.ReportError(rule.Response.Content.StatusCode, "response.content.statusCode", "StatusCode", "required", "")
		}
	case ResponseTypeScript:
		if strings.TrimSpace(rule.Response.Script) == "" {
			sl.ReportError(rule.Response.Script, "response.script", "Script", "required_for_script_response", "")
		}
	}
}

// Validate checks a rule definition
func (r *Rule) Validate() error {
	return validationError(Validator().Struct(r))
}

// Validate checks an environment definition
func (e *Environment) Validate() error {
	return validationError(Validator().Struct(e))
}

// validationError flattens validator output into a single readable error
func validationError(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
