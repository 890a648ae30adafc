package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/schaermu/upcoded/internal/config"
)

// DeployRequest asks for today's batch to be deployed.
type DeployRequest struct {
	// ReleaseTag is either a time tag such as "17H19", deployed to every
	// requested target, or a full folder name such as "BVDAKHOA_17H19".
	ReleaseTag    string   `json:"release_tag"`
	CommitMessage string   `json:"commit_message"`
	Targets       []string `json:"targets,omitempty"`
}

// tagMatcher validates release tags against the configured targets.
type tagMatcher struct {
	cfg    *config.Config
	simple *regexp.Regexp
	strict *regexp.Regexp
}

func newTagMatcher(cfg *config.Config) (*tagMatcher, error) {
	pattern := cfg.Deploy.ReleaseTagPattern
	simple, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid release tag pattern: %w", err)
	}

	quoted := make([]string, len(cfg.Deploy.Targets))
	for i, t := range cfg.Deploy.Targets {
		quoted[i] = regexp.QuoteMeta(t)
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")
	strict, err := regexp.Compile(`^(` + strings.Join(quoted, "|") + `)_(?:` + inner + `)$`)
	if err != nil {
		return nil, fmt.Errorf("invalid release tag pattern: %w", err)
	}

	return &tagMatcher{cfg: cfg, simple: simple, strict: strict}, nil
}

// resolve returns the folder names to write and the trimmed commit message.
func (m *tagMatcher) resolve(req DeployRequest) ([]string, string, error) {
	msg := strings.TrimSpace(req.CommitMessage)
	if msg == "" {
		return nil, "", fmt.Errorf("%w: commit message is required", ErrInvalidRequest)
	}

	tag := strings.ToUpper(strings.TrimSpace(req.ReleaseTag))
	if tag == "" {
		tag = m.cfg.Deploy.DefaultReleaseTag
	}
	if tag == "" {
		return nil, "", fmt.Errorf("%w: release tag is required", ErrInvalidRequest)
	}

	requested, err := m.requestedTargets(req.Targets)
	if err != nil {
		return nil, "", err
	}

	if sub := m.strict.FindStringSubmatch(tag); sub != nil {
		if len(requested) > 0 && (len(requested) != 1 || requested[0] != sub[1]) {
			return nil, "", fmt.Errorf("%w: release tag %s already names target %s", ErrInvalidRequest, tag, sub[1])
		}
		return []string{tag}, msg, nil
	}

	if !m.simple.MatchString(tag) {
		return nil, "", fmt.Errorf("%w: release tag %q must look like 17H19 or %s_17H19", ErrInvalidRequest, tag, m.cfg.Deploy.Targets[0])
	}

	if len(requested) == 0 {
		requested = m.cfg.Deploy.Targets
	}
	folders := make([]string, len(requested))
	for i, t := range requested {
		folders[i] = t + "_" + tag
	}
	return folders, msg, nil
}

func (m *tagMatcher) requestedTargets(names []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		if !m.cfg.HasTarget(n) {
			return nil, fmt.Errorf("%w: unknown target %q", ErrInvalidRequest, n)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}
