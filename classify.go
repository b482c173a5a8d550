package asynccaller

import (
	"io"
	"net/http"
	"net/textproto"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// Class is the retry classification of an outcome.
type Class int

const (
	// ClassOK is a successful or otherwise unclassified outcome.
	ClassOK Class = iota
	// ClassRateLimited is an outcome carrying status 429.
	ClassRateLimited
	// ClassClientError is an outcome carrying a 4xx status other than 429.
	ClassClientError
	// ClassTransient is an error that is neither rate limited nor a client
	// error. Classify never returns it; the caller assigns it to failed
	// attempts so they back off exponentially.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRateLimited:
		return "rate_limited"
	case ClassClientError:
		return "client_error"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// StatusExtractor returns every status code found on a result or error.
type StatusExtractor func(v any) []int

// HeaderLookup returns the value of the named header carried by a result or
// error, or "" when there is none.
type HeaderLookup func(v any, name string) string

type statusCoder interface{ StatusCode() int }

type httpStatusCoder interface{ HTTPStatusCode() int }

type httpResponder interface{ HTTPResponse() *http.Response }

type headerGetter interface{ Get(key string) string }

type headerer interface{ Header() http.Header }

// Field names checked on struct values, in order.
var (
	statusFields = []string{"StatusCode", "Status"}
	headerFields = []string{"Header", "Headers"}
)

const noMessage = "no message available"

// Classify reports how the retry engine treats v. A 429 anywhere among the
// extracted codes wins over any other 4xx.
func Classify(v any, extract StatusExtractor) Class {
	if extract == nil {
		extract = ExtractStatus
	}
	class, _ := classifyCodes(extract(v))
	return class
}

// classifyCodes returns the class of codes and the status that decided it.
func classifyCodes(codes []int) (Class, int) {
	if IsRateLimited(codes) {
		return ClassRateLimited, http.StatusTooManyRequests
	}
	for _, c := range codes {
		if c >= 400 && c < 500 {
			return ClassClientError, c
		}
	}
	return ClassOK, 0
}

// IsRateLimited reports whether 429 is among codes.
func IsRateLimited(codes []int) bool {
	for _, c := range codes {
		if c == http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// IsClientError reports whether any code is in [400, 500).
func IsClientError(codes []int) bool {
	for _, c := range codes {
		if c >= 400 && c < 500 {
			return true
		}
	}
	return false
}

// ExtractStatus is the default StatusExtractor. It looks at the value itself
// and then at a response nested one level below it, accepting StatusCode()
// and HTTPStatusCode() methods as well as integer StatusCode and Status
// fields. Errors are searched along their Unwrap chain.
func ExtractStatus(v any) []int {
	var codes []int
	if err, ok := v.(error); ok {
		walkErrors(err, func(e error) bool {
			codes = appendStatus(codes, e)
			return false
		})
		return codes
	}
	return appendStatus(codes, v)
}

func appendStatus(codes []int, v any) []int {
	codes = appendDirectStatus(codes, v)
	if nested := nestedResponse(v); nested != nil {
		codes = appendDirectStatus(codes, nested)
	}
	return codes
}

func appendDirectStatus(codes []int, v any) []int {
	if s, ok := v.(statusCoder); ok {
		codes = append(codes, s.StatusCode())
	}
	if s, ok := v.(httpStatusCoder); ok {
		codes = append(codes, s.HTTPStatusCode())
	}
	rv := structValue(v)
	if !rv.IsValid() {
		return codes
	}
	for _, name := range statusFields {
		f := fieldByName(rv, name)
		if f.IsValid() && f.CanInt() {
			codes = append(codes, int(f.Int()))
		}
	}
	return codes
}

// LookupHeader is the default HeaderLookup. Header containers are found the
// same way as status codes: directly on the value, then on a nested response.
// A container with a Get method is asked directly; a plain map is searched by
// key, falling back to a case-insensitive match.
func LookupHeader(v any, name string) string {
	if err, ok := v.(error); ok {
		var val string
		walkErrors(err, func(e error) bool {
			val = lookupHeader(e, name)
			return val != ""
		})
		return val
	}
	return lookupHeader(v, name)
}

// walkErrors visits err and everything it wraps depth-first, following both
// Unwrap() error and Unwrap() []error. It stops once fn returns true.
func walkErrors(err error, fn func(error) bool) bool {
	for err != nil {
		if fn(err) {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if walkErrors(e, fn) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

func lookupHeader(v any, name string) string {
	if val := lookupDirectHeader(v, name); val != "" {
		return val
	}
	if nested := nestedResponse(v); nested != nil {
		return lookupDirectHeader(nested, name)
	}
	return ""
}

func lookupDirectHeader(v any, name string) string {
	if h, ok := v.(headerer); ok {
		if val := h.Header().Get(name); val != "" {
			return val
		}
	}
	rv := structValue(v)
	if !rv.IsValid() {
		return ""
	}
	for _, field := range headerFields {
		f := fieldByName(rv, field)
		if !f.IsValid() || !f.CanInterface() {
			continue
		}
		if val := headerValue(f.Interface(), name); val != "" {
			return val
		}
	}
	return ""
}

func headerValue(container any, name string) string {
	switch h := container.(type) {
	case nil:
		return ""
	case headerGetter:
		return h.Get(name)
	case map[string]string:
		if val, ok := h[name]; ok {
			return val
		}
		for k, val := range h {
			if strings.EqualFold(k, name) {
				return val
			}
		}
	case map[string][]string:
		if vals := h[textproto.CanonicalMIMEHeaderKey(name)]; len(vals) > 0 {
			return vals[0]
		}
		for k, vals := range h {
			if strings.EqualFold(k, name) && len(vals) > 0 {
				return vals[0]
			}
		}
	}
	return ""
}

// nestedResponse returns the response carried one level below v, either via
// HTTPResponse() or an exported Response field.
func nestedResponse(v any) any {
	if r, ok := v.(httpResponder); ok {
		if resp := r.HTTPResponse(); resp != nil {
			return resp
		}
	}
	rv := structValue(v)
	if !rv.IsValid() {
		return nil
	}
	f := fieldByName(rv, "Response")
	if !f.IsValid() || !f.CanInterface() {
		return nil
	}
	switch f.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map:
		if f.IsNil() {
			return nil
		}
	case reflect.Struct:
	default:
		return nil
	}
	return f.Interface()
}

// structValue dereferences v down to a struct, or returns the zero Value.
func structValue(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return rv
}

// fieldByName is rv.FieldByName that reports a field promoted through a nil
// embedded pointer as missing instead of panicking.
func fieldByName(rv reflect.Value, name string) reflect.Value {
	sf, ok := rv.Type().FieldByName(name)
	if !ok {
		return reflect.Value{}
	}
	f, err := rv.FieldByIndexErr(sf.Index)
	if err != nil {
		return reflect.Value{}
	}
	return f
}

// ExtractMessage returns a human-readable message from the JSON body carried
// by v, reading the "error", "message", "error_message" and "errors" keys in
// that order. Anything that cannot be parsed yields "no message available".
func ExtractMessage(v any) string {
	body := responseBody(v)
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return noMessage
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return noMessage
	}
	for _, key := range []string{"error", "message", "error_message", "errors"} {
		r := doc.Get(key)
		if !r.Exists() || r.Type == gjson.Null || (r.Type == gjson.String && r.Str == "") {
			continue
		}
		if r.IsObject() || r.IsArray() {
			return r.Raw
		}
		return r.String()
	}
	return noMessage
}

const maxMessageBody = 1 << 20

func responseBody(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	case interface{ BodyBytes() []byte }:
		return b.BodyBytes()
	}
	rv := structValue(v)
	if !rv.IsValid() {
		return nil
	}
	f := fieldByName(rv, "Body")
	if !f.IsValid() || !f.CanInterface() {
		return nil
	}
	switch body := f.Interface().(type) {
	case []byte:
		return body
	case string:
		return []byte(body)
	case io.Reader:
		data, err := io.ReadAll(io.LimitReader(body, maxMessageBody))
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}
