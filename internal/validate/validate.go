// Package validate decides whether a tracked file may be deployed, based on
// the region rules and the message of the commit that last touched it.
package validate

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/schaermu/upcoded/internal/rules"
)

// Rejection reasons that do not carry details.
const (
	ReasonInvalidRegion = "invalid region code"
	ReasonMissingUnit   = "filename missing valid unit code"
	ReasonNoTerminator  = "SQL file does not end with '/'"
)

// ExemptMarker in a SQL file path disables content inspection.
const ExemptMarker = "duc"

// ForbiddenKeywords are rejected anywhere in comment-free SQL. Matching is
// by substring, so "updated_at" counts as "update".
var ForbiddenKeywords = []string{"update", "delete", "insert", "truncate", "drop"}

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`--.*`)
)

// Verdict is the outcome of validating one file.
type Verdict struct {
	Path   string
	Valid  bool
	Reason string
	// Region is the matched region code, empty when none matched.
	Region string
}

// Validator applies a RuleSet to files read from root.
type Validator struct {
	rules *rules.RuleSet
	root  fs.FS
}

// New creates a Validator. root is the source tree; paths passed to
// Validate are slash-separated and relative to it.
func New(rs *rules.RuleSet, root fs.FS) *Validator {
	return &Validator{rules: rs, root: root}
}

// Validate returns the verdict for file p last committed with message msg.
func (v *Validator) Validate(p, msg string) Verdict {
	msg = strings.ToLower(strings.TrimSpace(msg))
	lowerPath := strings.ToLower(p)

	region, matched := v.matchRegion(lowerPath, msg)
	if region == "" {
		return Verdict{Path: p, Reason: ReasonInvalidRegion}
	}
	if !matched {
		return Verdict{Path: p, Reason: ReasonMissingUnit, Region: region}
	}

	if strings.HasSuffix(lowerPath, ".sql") && !strings.Contains(lowerPath, ExemptMarker) {
		if reason := v.inspectSQL(p); reason != "" {
			return Verdict{Path: p, Reason: reason, Region: region}
		}
	}

	return Verdict{Path: p, Valid: true, Region: region}
}

// matchRegion stops at the first region whose suffixes match the path. When
// no suffix matches, the last region found in the message is returned.
func (v *Validator) matchRegion(lowerPath, msg string) (string, bool) {
	var region string
	for _, r := range v.rules.Rules() {
		if !strings.Contains(msg, r.Region) {
			continue
		}
		region = r.Region
		for _, suffix := range r.Suffixes {
			if strings.Contains(lowerPath, suffix) {
				return region, true
			}
		}
	}
	return region, false
}

func (v *Validator) inspectSQL(p string) string {
	data, err := fs.ReadFile(v.root, path.Clean(p))
	if err != nil {
		return fmt.Sprintf("cannot read file: %v", err)
	}

	if found := ForbiddenIn(string(data)); len(found) > 0 {
		return "SQL file contains forbidden keywords: " + strings.Join(found, ", ")
	}

	if !endsWithTerminator(data) {
		return ReasonNoTerminator
	}
	return ""
}

// ForbiddenIn returns the forbidden keywords present in sql once comments
// are removed, in ForbiddenKeywords order.
func ForbiddenIn(sql string) []string {
	cleaned := strings.ToLower(StripSQLComments(sql))
	var found []string
	for _, kw := range ForbiddenKeywords {
		if strings.Contains(cleaned, kw) {
			found = append(found, kw)
		}
	}
	return found
}

// StripSQLComments removes /* block */ comments, then -- line comments.
func StripSQLComments(sql string) string {
	sql = blockComment.ReplaceAllString(sql, "")
	return lineComment.ReplaceAllString(sql, "")
}

// endsWithTerminator checks the last non-blank line of the raw content.
func endsWithTerminator(data []byte) bool {
	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return strings.HasSuffix(line, "/")
		}
	}
	return false
}
