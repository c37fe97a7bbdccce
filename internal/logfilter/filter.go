// Package logfilter selects log entries by field values.
//
// A Filter is a conjunction of (field, pattern) criteria plus a polarity.
// A required filter keeps the entries that satisfy every criterion; a
// non-required filter keeps the rest. An entry missing a listed field never
// satisfies the criteria.
package logfilter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/adshares/ads-tests-sub000/internal/cache"
	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/shopspring/decimal"
)

const patternCacheSize = 512

var patterns = cache.NewLRU[string, *regexp.Regexp](patternCacheSize, 0)

// numericFields are compared by value when the pattern is a number, so
// "10" matches "10.00000000000". Every other field, including hex ids such
// as block_id, is matched as text.
var numericFields = map[string]bool{
	"amount":          true,
	"fee":             true,
	"sender_fee":      true,
	"profit":          true,
	"dividend":        true,
	"time":            true,
	"type_no":         true,
	"node":            true,
	"account.balance": true,
}

type criterion struct {
	field   string
	pattern string
}

// Filter is built once and only grows by Add. Match is safe for concurrent
// use once construction is finished.
type Filter struct {
	required bool
	criteria []criterion
}

// New returns an empty filter. An empty required filter keeps everything.
func New(required bool) *Filter {
	return &Filter{required: required}
}

// ByType keeps entries whose type is one of types.
func ByType(types ...model.EntryType) *Filter {
	quoted := make([]string, len(types))
	for i, t := range types {
		quoted[i] = regexp.QuoteMeta(string(t))
	}
	f := New(true)
	// quoted literals always compile
	_ = f.Add("type", strings.Join(quoted, "|"))
	return f
}

// Add registers a criterion. field may be a dotted path into nested
// objects; pattern is an anchored regular expression. On numeric fields a
// numeric pattern is compared by value instead.
func (f *Filter) Add(field, pattern string) error {
	if field == "" {
		return fmt.Errorf("logfilter: empty field name")
	}
	if _, err := compile(pattern); err != nil {
		return fmt.Errorf("logfilter: field %s: %w", field, err)
	}
	f.criteria = append(f.criteria, criterion{field: field, pattern: pattern})
	return nil
}

// Required reports the polarity: true keeps matches, false keeps the rest.
func (f *Filter) Required() bool {
	return f.required
}

// Negated returns a filter with the same criteria and opposite polarity.
func (f *Filter) Negated() *Filter {
	return &Filter{
		required: !f.required,
		criteria: append([]criterion(nil), f.criteria...),
	}
}

// Match reports whether e passes the filter.
func (f *Filter) Match(e model.LogEntry) bool {
	return f.satisfied(e) == f.required
}

func (f *Filter) satisfied(e model.LogEntry) bool {
	for _, c := range f.criteria {
		value, ok := e.Field(c.field)
		if !ok || !matchValue(c.field, value, c.pattern) {
			return false
		}
	}
	return true
}

// String renders the filter for logs and reports.
func (f *Filter) String() string {
	var b strings.Builder
	if !f.required {
		b.WriteString("not ")
	}
	b.WriteString("{")
	for i, c := range f.criteria {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=~%s", c.field, c.pattern)
	}
	b.WriteString("}")
	return b.String()
}

func matchValue(field, value, pattern string) bool {
	if !numericFields[field] {
		return matchText(value, pattern)
	}
	if want, err := decimal.NewFromString(pattern); err == nil {
		if got, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return got.Equal(want)
		}
	}
	return matchText(value, pattern)
}

func matchText(value, pattern string) bool {
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func compile(pattern string) (*regexp.Regexp, error) {
	return patterns.GetOrLoad(pattern, func(p string) (*regexp.Regexp, error) {
		return regexp.Compile("^(?:" + p + ")$")
	})
}

// PatternCacheStats exposes hit and miss counts of the shared pattern cache.
func PatternCacheStats() (hits, misses int64) {
	return patterns.Stats()
}
