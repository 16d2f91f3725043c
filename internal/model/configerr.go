package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // sync.schedule.cron
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum | validation_error
	Message string // human text
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Path == "" {
		return c.Message
	}
	return c.Path + ": " + c.Message
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// ConfigError is returned by LoadConfig when the file does not match the
// schema. Details has one entry per offending field.
type ConfigError struct {
	Details []CueErrorDetail
	err     error
}

func (e *ConfigError) Error() string {
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.String()
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

func (e *ConfigError) Unwrap() error { return e.err }

// CueErrDetails returns the field level details of a LoadConfig error.
func CueErrDetails(err error) []CueErrorDetail {
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		return cerr.Details
	}
	return nil
}

func newConfigError(err error, input cue.Value) *ConfigError {
	details := humanize(err, input)
	if len(details) == 0 {
		details = []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return &ConfigError{Details: details, err: err}
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|empty disjunction`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|out of bound`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
)

// humanize turns a cue error list into one detail per path. input is the
// decoded yaml and is used to quote the rejected value.
func humanize(err error, input cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(raw, path)
		if values, dflt := enumStrings(lookup(schema, path)); len(values) > 1 {
			code = "invalid_enum"
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != nil {
				msg += fmt.Sprintf(" (default %s)", *dflt)
			}
			if got := lookup(input, path); got.Exists() {
				msg += ": got " + valueToString(got)
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func valueToString(v cue.Value) string {
	switch v.Kind() {
	case cue.StringKind:
		if s, err := v.String(); err == nil {
			return s
		}
	case cue.IntKind:
		if i, err := v.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
	case cue.BoolKind:
		if b, err := v.Bool(); err == nil {
			return strconv.FormatBool(b)
		}
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return "E: " + err.Error()
	}
	return string(b)
}

func enumStrings(v cue.Value) (values []string, def *string) {
	if !v.Exists() {
		return nil, nil
	}
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = &s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	seen := map[string]struct{}{}
	for _, a := range args {
		if a.IncompleteKind() != cue.StringKind {
			continue
		}
		s, err := a.String()
		if err != nil {
			// string & !="" and the like
			return nil, def
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type or value: %s", last(path), raw)
	default:
		return "validation_error", raw
	}
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	return root.LookupPath(cue.ParsePath(path))
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
