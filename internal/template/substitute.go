// Package template renders message bodies from ${...} placeholders and pulls
// keys back out of received JSON payloads.
package template

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// varPattern matches ${var}, ${env:VAR} and ${fn(args)} placeholders.
var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Variables resolves placeholder names.
type Variables interface {
	Get(key string) (any, bool)
}

// Vars is a map-backed Variables.
type Vars map[string]any

func (v Vars) Get(key string) (any, bool) {
	val, ok := v[key]
	return val, ok
}

// Substitute replaces placeholders in text. Variables win over functions, so a
// variable named like a function call is still looked up first.
// All failures are reported together.
// If text contains no placeholders, it is returned unchanged (fast path).
func Substitute(text string, vars Variables) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs *multierror.Error
	result := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-1]

		if strings.HasPrefix(name, "env:") {
			envName := name[4:]
			if val, ok := os.LookupEnv(envName); ok {
				return val
			}
			errs = multierror.Append(errs, errors.Errorf("env var %q not set", envName))
			return match
		}

		if vars != nil {
			if val, ok := vars.Get(name); ok {
				return fmt.Sprintf("%v", val)
			}
		}

		out, isFunc, err := evalFunction(name)
		if isFunc {
			if err != nil {
				errs = multierror.Append(errs, err)
				return match
			}
			return out
		}

		errs = multierror.Append(errs, errors.Errorf("variable %q not found", name))
		return match
	})

	if err := errs.ErrorOrNil(); err != nil {
		return "", err
	}
	return result, nil
}

// Validate checks that every placeholder in text names one of known, an
// environment variable, or a built-in function, without evaluating anything.
func Validate(text string, known ...string) error {
	var errs *multierror.Error
	for _, m := range varPattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		switch {
		case strings.HasPrefix(name, "env:"):
			if _, ok := os.LookupEnv(name[4:]); !ok {
				errs = multierror.Append(errs, errors.Errorf("env var %q not set", name[4:]))
			}
		case contains(known, name):
		case isFunction(name):
		default:
			errs = multierror.Append(errs, errors.Errorf("unknown placeholder %q", name))
		}
	}
	return errs.ErrorOrNil()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
