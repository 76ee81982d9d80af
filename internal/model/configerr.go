package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is one config validation problem in a form fit for a
// human: the dotted path of the field, a stable code and a message.
type ConfigErrorDetail struct {
	Path    string // profiles.cars.config_file
	Code    string
	Message string
	Pos     ConfigErrorPosition
	Raw     string
}

type ConfigErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
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

// ConfigErrDetails explains an error returned by LoadConfig field by field.
// Errors which do not come from the schema yield a single detail.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	var out []ConfigErrorDetail
	seen := make(map[ConfigErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos := errPosition(e)
		if pos.Filename == "" || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := configPath(e.Path())
		code, msg := classify(raw, path)
		if hint := hint(path); hint != "" {
			msg += ": " + hint
		}
		out = append(out, ConfigErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	if len(out) == 0 {
		return []ConfigErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return out
}

var classes = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)does not match|invalid value`), "invalid_value", "field %s has an invalid value"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "conflicting values for %s"},
	{regexp.MustCompile(`(?i)expected .* got .*|mismatched types`), "type_mismatch", "field %s has a wrong type"},
}

func classify(raw, path string) (code, msg string) {
	for _, c := range classes {
		if c.re.MatchString(raw) {
			return c.code, fmt.Sprintf(c.format, lastElem(path))
		}
	}
	return "validation_error", raw
}

var durationFields = regexp.MustCompile(`^(worker\.stop_timeout|service\..*|profiles\.[^.]+\.every)$`)

// hint adds what the schema expects for the fields users get wrong most.
func hint(path string) string {
	switch {
	case path == "log.level" || path == "log.format":
		values, dflt := allowedValues(schema.LookupPath(cue.ParsePath(path)))
		if len(values) == 0 {
			return ""
		}
		h := "one of " + strings.Join(values, ",")
		if dflt != "" {
			h += " (default " + dflt + ")"
		}
		return h
	case durationFields.MatchString(path):
		return "use an ISO-8601 (PT10S) or Go (10s) duration"
	case strings.HasPrefix(path, "profiles.") && strings.Count(path, ".") == 1:
		return "set config_file and exactly one of interval, every or cron"
	}
	return ""
}

// allowedValues lists the string alternatives of a disjunction.
func allowedValues(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, dflt
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}

func errPosition(err cueerrors.Error) ConfigErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return ConfigErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return ConfigErrorPosition{}
}

// configPath joins a CUE error path, without the leading #Config.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func lastElem(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
