package domain

import (
	"regexp"
	"strings"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9_\-.]+$`)

// ValidCode reports whether code is a well-formed upper-case entity code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// NormalizeCode trims and upper-cases an entity code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ProjectIdentifier addresses a project inside a space: /SPACE/PROJECT.
type ProjectIdentifier struct {
	SpaceCode   string `json:"space_code"`
	ProjectCode string `json:"project_code"`
}

func (p ProjectIdentifier) String() string {
	return "/" + p.SpaceCode + "/" + p.ProjectCode
}

// ExperimentIdentifier addresses an experiment: /SPACE/PROJECT/EXPERIMENT.
type ExperimentIdentifier struct {
	SpaceCode      string `json:"space_code"`
	ProjectCode    string `json:"project_code"`
	ExperimentCode string `json:"experiment_code"`
}

// Project returns the identifier of the owning project.
func (e ExperimentIdentifier) Project() ProjectIdentifier {
	return ProjectIdentifier{SpaceCode: e.SpaceCode, ProjectCode: e.ProjectCode}
}

func (e ExperimentIdentifier) String() string {
	return "/" + e.SpaceCode + "/" + e.ProjectCode + "/" + e.ExperimentCode
}

// ParseExperimentIdentifier parses /SPACE/PROJECT/EXPERIMENT. When the space
// segment is missing (PROJECT/EXPERIMENT) defaultSpace is used.
func ParseExperimentIdentifier(value, defaultSpace string) (ExperimentIdentifier, error) {
	parts := splitIdentifier(value)
	switch len(parts) {
	case 2:
		if defaultSpace == "" {
			return ExperimentIdentifier{}, UserError.New("experiment identifier %q has no space and no default space is configured", value)
		}
		parts = append([]string{NormalizeCode(defaultSpace)}, parts...)
	case 3:
	default:
		return ExperimentIdentifier{}, UserError.New("malformed experiment identifier %q", value)
	}
	for _, p := range parts {
		if !ValidCode(p) {
			return ExperimentIdentifier{}, UserError.New("malformed experiment identifier %q", value)
		}
	}
	return ExperimentIdentifier{SpaceCode: parts[0], ProjectCode: parts[1], ExperimentCode: parts[2]}, nil
}

// SampleIdentifier addresses a sample. An empty SpaceCode denotes a shared
// (instance level) sample written as /CODE.
type SampleIdentifier struct {
	SpaceCode  string `json:"space_code,omitempty"`
	SampleCode string `json:"sample_code"`
}

// IsShared reports whether the sample lives at database-instance level.
func (s SampleIdentifier) IsShared() bool { return s.SpaceCode == "" }

func (s SampleIdentifier) String() string {
	if s.IsShared() {
		return "/" + s.SampleCode
	}
	return "/" + s.SpaceCode + "/" + s.SampleCode
}

// ParseSampleIdentifier parses /SPACE/CODE or /CODE (shared). A bare CODE is
// placed into defaultSpace, or treated as shared when defaultSpace is empty.
func ParseSampleIdentifier(value, defaultSpace string) (SampleIdentifier, error) {
	trimmed := strings.TrimSpace(value)
	parts := splitIdentifier(trimmed)
	var id SampleIdentifier
	switch {
	case len(parts) == 1 && strings.HasPrefix(trimmed, "/"):
		id = SampleIdentifier{SampleCode: parts[0]}
	case len(parts) == 1:
		id = SampleIdentifier{SpaceCode: NormalizeCode(defaultSpace), SampleCode: parts[0]}
	case len(parts) == 2:
		id = SampleIdentifier{SpaceCode: parts[0], SampleCode: parts[1]}
	default:
		return SampleIdentifier{}, UserError.New("malformed sample identifier %q", value)
	}
	if !ValidCode(id.SampleCode) || (id.SpaceCode != "" && !ValidCode(id.SpaceCode)) {
		return SampleIdentifier{}, UserError.New("malformed sample identifier %q", value)
	}
	return id, nil
}

func splitIdentifier(value string) []string {
	trimmed := strings.Trim(strings.TrimSpace(value), "/")
	if trimmed == "" {
		return nil
	}
	raw := strings.Split(trimmed, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, NormalizeCode(p))
	}
	return out
}
