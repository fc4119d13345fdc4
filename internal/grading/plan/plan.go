// Package plan parses an assignment's command plan.
//
// A plan file has one command per line. Tokens are split with shell-style
// quoting, wildcards are expanded against the run dir, and ./ paths are
// made absolute so steps can run from anywhere.
package plan

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gradebox/pkg/errors"

	"github.com/google/shlex"
)

// DefaultStepTimeout bounds one step when the plan does not override it.
const DefaultStepTimeout = 10 * time.Second

// Step is one command to execute for a submission.
type Step struct {
	ID      string
	Argv    []string
	Timeout time.Duration
}

// Plan is the ordered list of steps for an assignment.
type Plan struct {
	Steps []Step
}

// Parse reads a plan and resolves its tokens against runDir.
//
// A token containing * is glob-expanded and replaced only when it matches
// exactly one path. A token starting with ./ is made absolute against
// runDir. Empty lines and # comments are skipped.
func Parse(r io.Reader, runDir string, defaultTimeout time.Duration) (*Plan, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}

	p := &Plan{}
	lineNo := 0
	stepNo := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens, err := shlex.Split(line)
		if err != nil {
			return nil, errors.Wrapf(err, errors.PlanMalformed, "line %d: %v", lineNo, err)
		}
		if len(tokens) == 0 {
			continue
		}

		argv := make([]string, 0, len(tokens))
		for _, token := range tokens {
			argv = append(argv, resolveToken(token, runDir))
		}

		stepNo++
		p.Steps = append(p.Steps, Step{
			ID:      "step-" + strconv.Itoa(stepNo),
			Argv:    argv,
			Timeout: defaultTimeout,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.PlanMalformed, "read plan: %v", err)
	}
	if len(p.Steps) == 0 {
		return nil, errors.Newf(errors.PlanEmpty, "plan has no steps")
	}
	return p, nil
}

func resolveToken(token, runDir string) string {
	if strings.Contains(token, "*") {
		matches, err := filepath.Glob(filepath.Join(runDir, token))
		if err == nil && len(matches) == 1 {
			return matches[0]
		}
		return token
	}
	if strings.HasPrefix(token, "./") {
		return filepath.Join(runDir, strings.TrimPrefix(token, "./"))
	}
	return token
}
