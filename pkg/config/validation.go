package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"
)

type RequiredValidator struct{}

func (v *RequiredValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return fmt.Errorf("%s is required", key)
	}
	if str, ok := value.(string); ok && str == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	return nil
}

type RangeValidator struct {
	Min float64
	Max float64
}

func (v *RangeValidator) Validate(key string, value interface{}) error {
	var num float64

	switch val := value.(type) {
	case int:
		num = float64(val)
	case int64:
		num = float64(val)
	case uint64:
		num = float64(val)
	case float64:
		num = val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("%s: cannot convert to number: %w", key, err)
		}
		num = f
	default:
		return fmt.Errorf("%s: expected a number, got %T", key, value)
	}
	if num < v.Min || num > v.Max {
		return fmt.Errorf("%s: value %v out of range [%v, %v]", key, num, v.Min, v.Max)
	}
	return nil
}

type PatternValidator struct {
	Pattern string
	regex   *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	return &PatternValidator{
		Pattern: pattern,
		regex:   regex,
	}, nil
}

func (v *PatternValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected string for pattern validation", key)
	}

	if !v.regex.MatchString(str) {
		return fmt.Errorf("%s: value %q does not match pattern %s", key, str, v.Pattern)
	}
	return nil
}

type EnumValidator struct {
	Allowed []interface{}
	// Fold compares strings case-insensitively.
	Fold bool
}

func (v *EnumValidator) Validate(key string, value interface{}) error {
	for _, allowed := range v.Allowed {
		if reflect.DeepEqual(allowed, value) {
			return nil
		}
		if v.Fold {
			a, aok := allowed.(string)
			s, sok := value.(string)
			if aok && sok && strings.EqualFold(a, s) {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: value %v not in allowed set %v", key, value, v.Allowed)
}

type DurationValidator struct {
	Min time.Duration
	Max time.Duration
}

func (v *DurationValidator) Validate(key string, value interface{}) error {
	var d time.Duration
	switch val := value.(type) {
	case time.Duration:
		d = val
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration string %q: %w", key, val, err)
		}
		d = parsed
	case int:
		d = time.Duration(val)
	case int64:
		d = time.Duration(val)
	case float64:
		d = time.Duration(val)
	default:
		return fmt.Errorf("%s: expected duration, got %T", key, value)
	}
	if d < v.Min || (v.Max > 0 && d > v.Max) {
		return fmt.Errorf("%s: duration %v out of range [%v, %v]", key, d, v.Min, v.Max)
	}
	return nil
}

// FileValidator checks a path. An empty path passes unless MustExist is set.
type FileValidator struct {
	MustExist  bool
	MustBeDir  bool
	MustBeFile bool
}

func (v *FileValidator) Validate(key string, value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected file path string", key)
	}
	if path == "" && !v.MustExist {
		return nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if v.MustExist {
			return fmt.Errorf("%s: %s does not exist", key, path)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: error accessing %s: %w", key, path, err)
	}

	if v.MustBeFile && info.IsDir() {
		return fmt.Errorf("%s: %s is not a file", key, path)
	}
	if v.MustBeDir && !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", key, path)
	}
	return nil
}

// URLValidator checks a URL and, when Schemes is set, its scheme. An empty
// string passes.
type URLValidator struct {
	Schemes []string
}

func (v *URLValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected URL string", key)
	}
	if str == "" {
		return nil
	}
	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", key, str, err)
	}

	if len(v.Schemes) > 0 {
		for _, scheme := range v.Schemes {
			if u.Scheme == scheme {
				return nil
			}
		}
		return fmt.Errorf("%s: URL scheme %q not allowed (allowed: %v)", key, u.Scheme, v.Schemes)
	}
	return nil
}
