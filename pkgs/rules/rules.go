// Package rules decides whether a message should be deleted by looking at its
// header only.
//
// A message matches when its Date is strictly before the cutoff, or when
// every configured header is present and its decoded value matches the
// associated regular expression.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrEmptyRules is returned by Compile when no header rule is configured.
// An empty rule set would match every message.
var ErrEmptyRules = errors.New("delete rule is empty")

// Header is the view of a message header the matcher needs.
type Header interface {
	// Lookup returns the decoded value of a header field and whether it
	// is present. Names are case-insensitive.
	Lookup(key string) (string, bool)
	// Sent returns the parsed Date header, if any.
	Sent() (time.Time, bool)
}

// Rule requires a header field to match a pattern.
type Rule struct {
	Header  string
	Pattern *regexp.Regexp
}

// RuleSet is immutable once compiled.
type RuleSet struct {
	// Cutoff deletes anything dated strictly earlier. Zero disables it.
	Cutoff time.Time
	Rules  []Rule
}

// Compile builds a RuleSet from a header name to pattern mapping.
func Compile(cutoff time.Time, patterns map[string]string) (*RuleSet, error) {
	if len(patterns) == 0 {
		return nil, ErrEmptyRules
	}

	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	rs := &RuleSet{Cutoff: cutoff, Rules: make([]Rule, 0, len(names))}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			result = multierror.Append(result, fmt.Errorf("rule with empty header name"))
			continue
		}
		re, err := regexp.Compile(patterns[name])
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %q: %w", name, err))
			continue
		}
		rs.Rules = append(rs.Rules, Rule{Header: name, Pattern: re})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Matches reports whether the message should be deleted.
func (r *RuleSet) Matches(h Header) bool {
	ok, _ := r.Explain(h)
	return ok
}

// Explain is Matches plus a human readable reason.
func (r *RuleSet) Explain(h Header) (bool, string) {
	if !r.Cutoff.IsZero() {
		if sent, ok := h.Sent(); ok && sent.Before(r.Cutoff) {
			return true, fmt.Sprintf("dated %s, before cutoff %s",
				sent.Format(time.RFC3339), r.Cutoff.Format(time.RFC3339))
		}
	}

	var failures []string
	for _, rule := range r.Rules {
		v, ok := h.Lookup(rule.Header)
		switch {
		case !ok:
			failures = append(failures, fmt.Sprintf("%s: missing", rule.Header))
		case !rule.Pattern.MatchString(v):
			failures = append(failures, fmt.Sprintf("%s: %q does not match %s", rule.Header, v, rule.Pattern))
		}
	}
	if len(failures) > 0 {
		return false, strings.Join(failures, "; ")
	}
	return true, "all rules matched"
}

// String lists the rules, one per line.
func (r *RuleSet) String() string {
	var b strings.Builder
	if r.Cutoff.IsZero() {
		b.WriteString("cutoff: none\n")
	} else {
		fmt.Fprintf(&b, "cutoff: %s\n", r.Cutoff.Format(time.RFC3339))
	}
	for _, rule := range r.Rules {
		fmt.Fprintf(&b, "%s =~ %s\n", rule.Header, rule.Pattern)
	}
	return b.String()
}
