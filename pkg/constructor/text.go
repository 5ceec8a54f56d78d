package constructor

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aescanero/constellation/pkg/constellation"
)

var (
	// ErrEmptyPlan is returned when text contains no tasks or dependencies.
	ErrEmptyPlan = errors.New("no tasks or dependencies found")
	// ErrInvalidSpec marks plans that cannot be turned into tasks and edges.
	ErrInvalidSpec = errors.New("invalid plan")
)

var (
	bulletRe    = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	tagRe       = regexp.MustCompile(`\s*\[([A-Za-z_ ]+)\]\s*$`)
	dependsOnRe = regexp.MustCompile(`(?i)^(.+?)\s+depends\s+on\s+(.+)$`)
	refSplitRe  = regexp.MustCompile(`(?i)\s*(?:,|\band\b)\s*`)
)

// ParseText reads a plan written as plain lines:
//
//	# Title                          sets the name if none is given
//	- Fetch data: pull the CSV       task with description
//	2. Build report [high]           task with priority
//	Fetch data -> Build report       dependency chain (a -> b -> c)
//	Publish depends on A, B and C    several dependencies
//	A -> B [completion_only]         dependency type
//
// Task references are task names or IDs. Other lines are ignored.
func ParseText(text string) (*Spec, error) {
	spec := &Spec{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if spec.Name == "" {
				spec.Name = strings.TrimSpace(strings.TrimLeft(line, "#"))
			}
			continue
		}

		bulleted := bulletRe.MatchString(line)
		body := strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		body, tag := splitTag(body)

		switch {
		case strings.Contains(body, "->"):
			refs := strings.Split(body, "->")
			for i := 1; i < len(refs); i++ {
				from, to := strings.TrimSpace(refs[i-1]), strings.TrimSpace(refs[i])
				if from == "" || to == "" {
					return nil, fmt.Errorf("%w: line %d: incomplete dependency %q", ErrInvalidSpec, lineNo, line)
				}
				spec.Dependencies = append(spec.Dependencies, DependencySpec{
					FromTaskID: from, ToTaskID: to, DependencyType: tag,
				})
			}
		case dependsOnRe.MatchString(body):
			m := dependsOnRe.FindStringSubmatch(body)
			to := strings.TrimSpace(m[1])
			for _, from := range refSplitRe.Split(m[2], -1) {
				from = strings.TrimSpace(strings.TrimSuffix(from, "."))
				if from == "" {
					continue
				}
				spec.Dependencies = append(spec.Dependencies, DependencySpec{
					FromTaskID: from, ToTaskID: to, DependencyType: tag,
				})
			}
		case bulleted:
			ts := TaskSpec{Name: body, Priority: tag}
			if name, desc, ok := strings.Cut(body, ": "); ok {
				ts.Name = strings.TrimSpace(name)
				ts.Description = strings.TrimSpace(desc)
			}
			if ts.Name == "" {
				return nil, fmt.Errorf("%w: line %d: task without a name", ErrInvalidSpec, lineNo)
			}
			spec.Tasks = append(spec.Tasks, ts)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	if len(spec.Tasks) == 0 && len(spec.Dependencies) == 0 {
		return nil, ErrEmptyPlan
	}
	return spec, nil
}

// FromText builds a constellation from a plain-text plan. name overrides a
// title line. Names used only in dependency lines become tasks.
func FromText(name, text string, opts ...constellation.Option) (*constellation.Constellation, error) {
	spec, err := ParseText(text)
	if err != nil {
		return nil, err
	}
	if name != "" {
		spec.Name = name
	}
	spec.AddReferencedTasks()
	return Build(spec, opts...)
}

// AddReferencedTasks appends a task for every dependency endpoint that
// matches no task ID or name in the spec, in order of first mention.
func (s *Spec) AddReferencedTasks() {
	known := make(map[string]bool)
	for _, ts := range s.Tasks {
		if ts.ID != "" {
			known[ts.ID] = true
		}
		known[strings.ToLower(ts.Name)] = true
	}
	for _, ds := range s.Dependencies {
		for _, ref := range []string{ds.FromTaskID, ds.ToTaskID} {
			ref = strings.TrimSpace(ref)
			if ref == "" || known[ref] || known[strings.ToLower(ref)] {
				continue
			}
			known[strings.ToLower(ref)] = true
			s.Tasks = append(s.Tasks, TaskSpec{Name: ref})
		}
	}
}

func splitTag(s string) (string, string) {
	m := tagRe.FindStringSubmatchIndex(s)
	if m == nil {
		return s, ""
	}
	tag := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s[m[2]:m[3]]), " ", "_"))
	return strings.TrimSpace(s[:m[0]]), tag
}
