package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"net/mail"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/glimte/henchman-go/interceptors"
	"github.com/glimte/henchman-go/messaging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// Errors collects every failure found in one message
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// Rule is a custom check run against the whole message after the
// property checks
type Rule interface {
	Check(ctx context.Context, msg any) *ValidationError
	Name() string
}

// RuleFunc adapts a function to Rule
type RuleFunc struct {
	name string
	fn   func(ctx context.Context, msg any) *ValidationError
}

// NewRuleFunc names fn as a Rule
func NewRuleFunc(name string, fn func(ctx context.Context, msg any) *ValidationError) *RuleFunc {
	return &RuleFunc{name: name, fn: fn}
}

// Check implements Rule
func (r *RuleFunc) Check(ctx context.Context, msg any) *ValidationError { return r.fn(ctx, msg) }

// Name implements Rule
func (r *RuleFunc) Name() string { return r.name }

// Schema describes the decoded shape of a task message. AdditionalProperties
// set to false rejects top-level keys not listed in Properties.
type Schema struct {
	Name                 string                  `json:"name"`
	Version              string                  `json:"version,omitempty"`
	Type                 string                  `json:"type"`
	Properties           map[string]*PropertyDef `json:"properties,omitempty"`
	Required             []string                `json:"required,omitempty"`
	AdditionalProperties *bool                   `json:"additionalProperties,omitempty"`
	Rules                []Rule                  `json:"-"`
}

// PropertyDef constrains one property of a message
type PropertyDef struct {
	Type        string                  `json:"type"`
	Format      string                  `json:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty"`
	Enum        []any                   `json:"enum,omitempty"`
	Description string                  `json:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty"`
	Required    []string                `json:"required,omitempty"`
}

// Load reads a JSON schema document
func Load(r io.Reader) (*Schema, error) {
	var s Schema
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if s.Type == "" {
		s.Type = "object"
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a JSON schema document from path
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// compile checks that the version and every pattern parse so bad schemas
// fail at load
func (s *Schema) compile() error {
	var errs []error
	if s.Version != "" {
		if _, err := semver.NewVersion(s.Version); err != nil {
			errs = append(errs, fmt.Errorf("schema %s: version %q: %w", s.Name, s.Version, err))
		}
	}
	var walk func(path string, props map[string]*PropertyDef)
	walk = func(path string, props map[string]*PropertyDef) {
		for name, def := range props {
			if def == nil {
				continue
			}
			field := fieldPath(path, name)
			if def.Pattern != "" {
				if _, err := patterns.get(def.Pattern); err != nil {
					errs = append(errs, fmt.Errorf("schema %s: field %s: %w", s.Name, field, err))
				}
			}
			walk(field, def.Properties)
			if def.Items != nil {
				walk(field+"[]", def.Items.Properties)
			}
		}
	}
	walk("", s.Properties)
	return errors.Join(errs...)
}

// Validate implements interceptors.MessageValidator. msg is the decoded task
// message, which for the JSON codec means maps, slices, strings,
// json.Number and bool. Typed values are normalized through JSON first.
func (s *Schema) Validate(ctx context.Context, msg any) error {
	data, err := normalize(msg)
	if err != nil {
		return ValidationError{Message: err.Error(), Code: "DECODE_ERROR"}
	}

	var errs Errors
	if s.Type != "" && !typeMatches(data, s.Type) {
		errs = append(errs, ValidationError{
			Message: fmt.Sprintf("expected %s, got %s", s.Type, typeName(data)),
			Code:    "TYPE_MISMATCH",
		})
		return errs
	}

	if obj, isObject := data.(map[string]any); isObject {
		closed := s.AdditionalProperties != nil && !*s.AdditionalProperties
		errs = validateObject("", obj, s.Properties, s.Required, closed, errs)
	}

	for _, rule := range s.Rules {
		if ve := rule.Check(ctx, data); ve != nil {
			if ve.Code == "" {
				ve.Code = "RULE_" + strings.ToUpper(rule.Name())
			}
			errs = append(errs, *ve)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

var _ interceptors.MessageValidator = (*Schema)(nil)

// Satisfies reports whether the schema version meets constraint, for example
// "^1.2" or ">= 2, < 3". A schema without a version satisfies nothing.
func (s *Schema) Satisfies(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("schema: constraint %q: %w", constraint, err)
	}
	if s.Version == "" {
		return false, nil
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return false, fmt.Errorf("schema %s: version %q: %w", s.Name, s.Version, err)
	}
	return c.Check(v), nil
}

func normalize(msg any) (any, error) {
	switch msg.(type) {
	case nil, map[string]any, []any, string, json.Number, float64, bool:
		return msg, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateObject(path string, obj map[string]any, props map[string]*PropertyDef, required []string, closed bool, errs Errors) Errors {
	for _, name := range required {
		if _, has := obj[name]; !has {
			errs = append(errs, ValidationError{
				Field:   fieldPath(path, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(obj)) {
		value := obj[name]
		def, known := props[name]
		if !known {
			if closed {
				errs = append(errs, ValidationError{
					Field:   fieldPath(path, name),
					Message: "unexpected field",
					Code:    "UNKNOWN_FIELD",
				})
			}
			continue
		}
		if def != nil {
			errs = validateProperty(fieldPath(path, name), value, def, errs)
		}
	}
	return errs
}

func validateProperty(field string, value any, def *PropertyDef, errs Errors) Errors {
	if value == nil {
		if def.Type != "" && def.Type != "null" {
			errs = append(errs, ValidationError{Field: field, Message: "must not be null", Code: "NULL_VALUE"})
		}
		return errs
	}

	if def.Type != "" && !typeMatches(value, def.Type) {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("expected %s, got %s", def.Type, typeName(value)),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
	}

	if n, isNumber := asFloat(value); isNumber {
		errs = validateNumber(field, n, def, errs)
	}

	switch v := value.(type) {
	case string:
		errs = validateString(field, v, def, errs)
	case []any:
		if def.Items != nil {
			for i, item := range v {
				errs = validateProperty(fmt.Sprintf("%s[%d]", field, i), item, def.Items, errs)
			}
		}
	case map[string]any:
		errs = validateObject(field, v, def.Properties, def.Required, false, errs)
	}

	if len(def.Enum) > 0 && !inEnum(value, def.Enum) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of %v", def.Enum),
			Code:    "ENUM_VIOLATION",
			Value:   value,
		})
	}
	return errs
}

func validateString(field, value string, def *PropertyDef, errs Errors) Errors {
	n := len([]rune(value))
	if def.MinLength != nil && n < *def.MinLength {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("length %d is below minimum %d", n, *def.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if def.MaxLength != nil && n > *def.MaxLength {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("length %d exceeds maximum %d", n, *def.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if def.Format != "" {
		if msg := checkFormat(value, def.Format); msg != "" {
			errs = append(errs, ValidationError{Field: field, Message: msg, Code: "FORMAT_VIOLATION", Value: value})
		}
	}
	if def.Pattern != "" {
		re, err := patterns.get(def.Pattern)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error(), Code: "INVALID_PATTERN"})
		} else if !re.MatchString(value) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("does not match pattern %q", def.Pattern),
				Code:    "PATTERN_VIOLATION",
				Value:   value,
			})
		}
	}
	return errs
}

func validateNumber(field string, value float64, def *PropertyDef, errs Errors) Errors {
	if def.Minimum != nil && value < *def.Minimum {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%v is below minimum %v", value, *def.Minimum),
			Code:    "MIN_VALUE_VIOLATION",
			Value:   value,
		})
	}
	if def.Maximum != nil && value > *def.Maximum {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%v exceeds maximum %v", value, *def.Maximum),
			Code:    "MAX_VALUE_VIOLATION",
			Value:   value,
		})
	}
	return errs
}

func checkFormat(value, format string) string {
	switch format {
	case "email":
		if addr, err := mail.ParseAddress(value); err != nil || addr.Address != value {
			return "invalid email address"
		}
	case "uri":
		if u, err := url.Parse(value); err != nil || u.Scheme == "" {
			return "invalid URI"
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			return "invalid UUID"
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return "invalid date, expected YYYY-MM-DD"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "invalid date-time, expected RFC 3339"
		}
	case "duration":
		if _, err := time.ParseDuration(value); err != nil {
			return "invalid duration"
		}
	}
	return ""
}

func typeMatches(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := asFloat(value)
		return ok
	case "integer":
		return isInteger(value)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	case "any", "":
		return true
	}
	return false
}

func typeName(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, json.Number:
		if isInteger(v) {
			return "integer"
		}
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return reflect.TypeOf(value).String()
}

// asFloat reports the value of a decoded number
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// isInteger judges json.Number by its digits so integers past 2^53 stay
// integers
func isInteger(value any) bool {
	switch v := value.(type) {
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case json.Number:
		if !strings.ContainsAny(string(v), ".eE") {
			return true
		}
		f, err := v.Float64()
		return err == nil && f == math.Trunc(f)
	}
	return false
}

func inEnum(value any, enum []any) bool {
	for _, allowed := range enum {
		if equalValues(value, allowed) {
			return true
		}
	}
	return false
}

// equalValues compares decoded values, treating numbers by value whether
// they arrive as json.Number or float64
func equalValues(a, b any) bool {
	if an, ok := a.(json.Number); ok {
		if bn, ok := b.(json.Number); ok && an == bn {
			return true
		}
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func fieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

type patternCache struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

var patterns = &patternCache{cache: make(map[string]*regexp.Regexp)}

func (c *patternCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.cache[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	c.mu.Lock()
	c.cache[pattern] = re
	c.mu.Unlock()
	return re, nil
}

// ErrSchemaDowngrade is returned when registering an older schema version
// over a newer one
var ErrSchemaDowngrade = errors.New("schema: version is older than the registered one")

// Registry maps queue names to schemas
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register binds s to queue, replacing any earlier schema unless both carry
// versions and s is older
func (r *Registry) Register(queue string, s *Schema) error {
	if queue == "" {
		return errors.New("schema: queue name cannot be empty")
	}
	if s == nil {
		return errors.New("schema: schema cannot be nil")
	}
	if err := s.compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.schemas[queue]; ok && current.Version != "" && s.Version != "" {
		// both parsed in compile
		older := semver.MustParse(s.Version).LessThan(semver.MustParse(current.Version))
		if older {
			return fmt.Errorf("%w: queue %s has %s, got %s", ErrSchemaDowngrade, queue, current.Version, s.Version)
		}
	}
	r.schemas[queue] = s
	return nil
}

// Get returns the schema bound to queue
func (r *Registry) Get(queue string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[queue]
	return s, ok
}

// Interceptor validates each task against the schema of its queue. Queues
// without a schema pass through.
func (r *Registry) Interceptor() interceptors.Interceptor {
	return interceptors.NewInterceptorFunc("SchemaInterceptor", func(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
		s, ok := r.Get(t.QueueName())
		if !ok {
			return next(ctx, t)
		}
		return interceptors.NewValidationInterceptor(s).Intercept(ctx, t, next)
	})
}
