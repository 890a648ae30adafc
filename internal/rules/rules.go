// Package rules loads the per-region validation rules that decide which
// files a region is allowed to ship.
//
// The rule file is a JSON list (comments and trailing commas allowed):
//
//	[
//	  {"region": "hn", "suffixes": ["_hn.sql", "_hn.sh"]},
//	  // legacy keys are still accepted
//	  {"ma_tinh": "la", "duoi_file": ["_la.sql"]},
//	]
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// ErrConfig marks a missing or malformed rule source.
var ErrConfig = errors.New("invalid rule configuration")

// Rule is the suffix allow-list for one region.
type Rule struct {
	Region   string
	Suffixes []string
}

// RuleSet is an ordered, immutable collection of region rules.
type RuleSet struct {
	rules []Rule
	index map[string]int
}

var (
	regionKeys = []string{"region", "ma_tinh"}
	suffixKeys = []string{"suffixes", "duoi_file"}
)

// Load reads and parses the rule file at path.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read rules file: %v", ErrConfig, err)
	}

	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes rule records from JSONC bytes.
func Parse(data []byte) (*RuleSet, error) {
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &records); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rules: %v", ErrConfig, err)
	}

	parsed := make([]Rule, 0, len(records))
	for i, rec := range records {
		var r Rule
		if err := decodeField(rec, regionKeys, &r.Region); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrConfig, i, err)
		}
		if err := decodeField(rec, suffixKeys, &r.Suffixes); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrConfig, i, err)
		}
		parsed = append(parsed, r)
	}

	return New(parsed...), nil
}

// New builds a RuleSet from in-memory rules, applying the same
// normalization as Parse.
func New(rules ...Rule) *RuleSet {
	rs := &RuleSet{index: make(map[string]int)}
	for _, r := range rules {
		region := normalize(r.Region)
		if region == "" {
			continue
		}
		lowered := make([]string, 0, len(r.Suffixes))
		for _, s := range r.Suffixes {
			lowered = append(lowered, strings.ToLower(s))
		}
		// A repeated region keeps its first position and takes the newest suffixes.
		if pos, ok := rs.index[region]; ok {
			rs.rules[pos].Suffixes = lowered
			continue
		}
		rs.index[region] = len(rs.rules)
		rs.rules = append(rs.rules, Rule{Region: region, Suffixes: lowered})
	}
	return rs
}

// Contains reports whether code names a known region.
func (rs *RuleSet) Contains(code string) bool {
	if rs == nil {
		return false
	}
	_, ok := rs.index[normalize(code)]
	return ok
}

// Rules returns the rules in file order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of regions.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// decodeField unmarshals the first present key of names into dst.
func decodeField(rec map[string]json.RawMessage, names []string, dst any) error {
	for _, name := range names {
		raw, ok := rec[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("field %q: %v", name, err)
		}
		return nil
	}
	return fmt.Errorf("missing required key %q", names[0])
}
