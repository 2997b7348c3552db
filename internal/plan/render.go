package plan

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Render formats a plan as YAML for the approval prompt.
func Render(p Plan) (string, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("render plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render plan: %w", err)
	}
	return sb.String(), nil
}

// Summary is the one-line-per-step listing sent to chat clients.
func Summary(p Plan) string {
	lines := make([]string, 0, len(p.Steps)+1)
	lines = append(lines, "Task: "+p.TaskDescription)
	for _, s := range p.Ordered() {
		lines = append(lines, fmt.Sprintf("%d. %s %s", s.ID, s.Action, formatArgs(s.Args)))
	}
	return strings.Join(lines, "\n")
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := yaml.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	flat := strings.Join(strings.Fields(strings.ReplaceAll(strings.TrimSpace(string(b)), "\n", ", ")), " ")
	return "{" + flat + "}"
}
