package jobregistry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/genimpute/pkg/jobunit"
)

// Vars are the placeholder values of one job's command line.
type Vars map[string]string

// Placeholder names supported in command templates.
var knownVars = map[string]bool{
	"region":      true,
	"input":       true,
	"output":      true,
	"log":         true,
	"refpanel":    true,
	"phasing":     true,
	"rounds":      true,
	"window":      true,
	"population":  true,
	"build":       true,
	"map_minimac": true,
	"queue":       true,
	"spec":        true,
}

type argPart interface {
	append(dst *strings.Builder, vars Vars) error
}

type literalPart string

type varPart string

func (p literalPart) append(dst *strings.Builder, _ Vars) error {
	dst.WriteString(string(p))
	return nil
}

func (p varPart) append(dst *strings.Builder, vars Vars) error {
	v, ok := vars[string(p)]
	if !ok {
		return fmt.Errorf("no value for {%s}", string(p))
	}
	dst.WriteString(v)
	return nil
}

// CommandTemplate is an argv whose elements may contain placeholders such
// as `{region}` or `{spec}`. Each element expands to exactly one argument;
// no shell splitting is performed.
type CommandTemplate struct {
	args [][]argPart
}

// CompileCommand parses argv into a CommandTemplate.
func CompileCommand(argv []string) (*CommandTemplate, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("job command is empty")
	}

	t := &CommandTemplate{args: make([][]argPart, 0, len(argv))}
	for _, arg := range argv {
		parts, err := compileArg(arg)
		if err != nil {
			return nil, err
		}
		t.args = append(t.args, parts)
	}
	return t, nil
}

func compileArg(arg string) ([]argPart, error) {
	var parts []argPart
	s := arg
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s, '}')
		if closeIdx == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", arg)
		}

		name := s[1:closeIdx]
		s = s[closeIdx+1:]
		if !knownVars[name] {
			return nil, fmt.Errorf("unsupported placeholder {%s}", name)
		}
		parts = append(parts, varPart(name))
	}
	return parts, nil
}

// Expand renders the command line for vars.
func (t *CommandTemplate) Expand(vars Vars) ([]string, error) {
	out := make([]string, 0, len(t.args))
	for _, parts := range t.args {
		var b strings.Builder
		for _, part := range parts {
			if err := part.append(&b, vars); err != nil {
				return nil, err
			}
		}
		out = append(out, b.String())
	}
	if out[0] == "" {
		return nil, fmt.Errorf("job command expanded to an empty program name")
	}
	return out, nil
}

// UnitVars returns the placeholder values for u. specPath is the location of
// the unit's JSON spec.
func UnitVars(u jobunit.Unit, specPath string) Vars {
	return Vars{
		"region":      u.Region,
		"input":       u.InputManifest,
		"output":      u.Output,
		"log":         u.LogPath,
		"refpanel":    u.RefPanelPath,
		"phasing":     string(u.Phasing),
		"rounds":      strconv.Itoa(u.Params.Rounds),
		"window":      strconv.Itoa(u.Params.Window),
		"population":  u.Params.Population,
		"build":       u.Build,
		"map_minimac": u.MapMinimac,
		"queue":       u.Queue,
		"spec":        specPath,
	}
}
