package plan

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	clickTextRe   = regexp.MustCompile(`(?i)click_text\s+(.+?)(?:\s+then\b|$)`)
	controlTypeRe = regexp.MustCompile(`(?i)\bcontrol_type\s*=\s*([\w ]+)$`)
	clickUIARe    = regexp.MustCompile(`(?i)click_uia\s+(.+?)(?:\s+then\b|$)`)
	clickPathRe   = regexp.MustCompile(`(?i)click_path\s+(.+?)(?:\s+then\b|$)`)
	clickXYRe     = regexp.MustCompile(`(?i)\bclick\s+(\d+)\s+(\d+)`)
	typeRe        = regexp.MustCompile(`(?i)\btype\s+(.+)`)
)

// Build turns a request into a plan. It never fails: text that matches no
// interaction pattern yields the capture/record/capture skeleton.
//
// At most one interaction step is added, chosen in priority order
// click_text > click_uia > click_path > click x y, optionally followed by a
// type step.
func Build(request string, observation map[string]any) Plan {
	b := &builder{}
	b.add(ActionScreenCapture, map[string]any{"label": "before"})
	b.add(ActionNote, map[string]any{"message": "Requested task: " + request})
	if len(observation) > 0 {
		b.add(ActionNote, map[string]any{"message": "Observation summary: " + summarizeObservation(observation)})
	}

	if action, args, ok := parseInteraction(request); ok {
		b.add(action, args)
	}
	if text, ok := parseType(request); ok {
		b.add(ActionType, map[string]any{"text": text})
	}

	b.add(ActionScreenCapture, map[string]any{"label": "after"})
	return Plan{TaskDescription: request, Steps: b.steps}
}

type builder struct {
	steps []Step
}

func (b *builder) add(action string, args map[string]any) {
	b.steps = append(b.steps, Step{ID: len(b.steps) + 1, Action: action, Args: args})
}

func parseInteraction(request string) (string, map[string]any, bool) {
	if m := clickTextRe.FindStringSubmatch(request); m != nil {
		text := strings.TrimSpace(m[1])
		args := map[string]any{}
		if cm := controlTypeRe.FindStringSubmatch(text); cm != nil {
			args["control_type"] = strings.TrimSpace(cm[1])
			text = strings.TrimSpace(controlTypeRe.ReplaceAllString(text, ""))
		}
		args["text"] = text
		return ActionClickText, args, true
	}
	if m := clickUIARe.FindStringSubmatch(request); m != nil {
		return ActionClickAutomationID, map[string]any{"automation_id": strings.TrimSpace(m[1])}, true
	}
	if m := clickPathRe.FindStringSubmatch(request); m != nil {
		return ActionClickPath, map[string]any{"path": strings.TrimSpace(m[1])}, true
	}
	if m := clickXYRe.FindStringSubmatch(request); m != nil {
		x, errX := strconv.Atoi(m[1])
		y, errY := strconv.Atoi(m[2])
		if errX == nil && errY == nil {
			return ActionClick, map[string]any{"x": x, "y": y}, true
		}
	}
	return "", nil, false
}

func parseType(request string) (string, bool) {
	m := typeRe.FindStringSubmatch(request)
	if m == nil {
		return "", false
	}
	text := strings.TrimSpace(m[1])
	if text == "" {
		return "", false
	}
	return text, true
}

func summarizeObservation(observation map[string]any) string {
	b, err := json.Marshal(observation)
	if err != nil {
		return "unavailable"
	}
	return string(b)
}
