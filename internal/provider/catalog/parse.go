package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/trenchcoat/enricher/internal/core"
)

// reader pulls typed values out of a provider document and remembers the
// first schema violation. Missing keys and JSON nulls are "unknown", not
// errors; a value of the wrong type is an error.
type reader struct {
	doc gjson.Result
	err error
}

func parse(payload []byte) (*reader, error) {
	if !gjson.ValidBytes(payload) {
		return nil, core.WrapError(core.ErrMalformedPayload, fmt.Errorf("invalid json"))
	}
	return &reader{doc: gjson.ParseBytes(payload)}, nil
}

func (r *reader) fail(path string, res gjson.Result) {
	if r.err == nil {
		r.err = core.WrapError(core.ErrMalformedPayload,
			fmt.Errorf("%s: unexpected value %s", path, truncate(res.Raw, 40)))
	}
}

// float reads a number or numeric string at path relative to base
func (r *reader) float(base gjson.Result, path string) *float64 {
	res := base.Get(path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}

	var v float64
	switch res.Type {
	case gjson.Number:
		v = res.Float()
	case gjson.String:
		s := strings.TrimSpace(res.Str)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			r.fail(path, res)
			return nil
		}
		v = parsed
	default:
		r.fail(path, res)
		return nil
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		r.fail(path, res)
		return nil
	}
	return &v
}

// int reads an integer count; fractional input is truncated
func (r *reader) int(base gjson.Result, path string) *int64 {
	v := r.float(base, path)
	if v == nil {
		return nil
	}
	if *v < 0 || *v >= math.MaxInt64 {
		r.fail(path, base.Get(path))
		return nil
	}
	n := int64(*v)
	return &n
}

// positive drops zero values, which several APIs use for "no data"
func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

// object returns the value at path when it is a JSON object
func (r *reader) object(base gjson.Result, path string) (gjson.Result, bool) {
	res := base.Get(path)
	if !res.Exists() || res.Type == gjson.Null {
		return res, false
	}
	if !res.IsObject() {
		r.fail(path, res)
		return res, false
	}
	return res, true
}

// array returns the value at path when it is a JSON array
func (r *reader) array(base gjson.Result, path string) ([]gjson.Result, bool) {
	res := base.Get(path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil, false
	}
	if !res.IsArray() {
		r.fail(path, res)
		return nil, false
	}
	return res.Array(), true
}

// requireTrue treats an explicit "success": false envelope as malformed
func (r *reader) requireTrue(path string) {
	res := r.doc.Get(path)
	if res.Exists() && res.Type == gjson.False {
		r.fail(path, res)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
