package planner

import (
	"regexp"
	"strings"
	"unicode"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/workflow"
)

const defaultStepMillis = 5000

var (
	namePattern   = regexp.MustCompile(`\b(?i:to|for|named?|called)\s+([A-Za-z][A-Za-z'-]*)`)
	promptPattern = []*regexp.Regexp{
		regexp.MustCompile(`(?i)image of (.+?)(?:,|\s+and\b|\s+with\b|\s+then\b|\.|$)`),
		regexp.MustCompile(`(?i)picture of (.+?)(?:,|\s+and\b|\s+with\b|\s+then\b|\.|$)`),
		regexp.MustCompile(`(?i)photo of (.+?)(?:,|\s+and\b|\s+with\b|\s+then\b|\.|$)`),
		regexp.MustCompile(`(?i)(?:generate|create|draw) (.+?)(?:,|\s+image\b|\s+picture\b|\.|$)`),
	}
	languages = []string{"spanish", "french", "german", "english"}
	stopWords = map[string]bool{
		"a": true, "an": true, "the": true, "me": true, "my": true, "us": true,
		"him": true, "her": true, "them": true, "it": true, "and": true, "with": true,
	}
)

// workflowName title-cases the first three words of the description.
func workflowName(description string) string {
	words := strings.Fields(description)
	if len(words) > 3 {
		words = words[:3]
	}
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ") + " Workflow"
}

func estimateDuration(agents []*agent.Agent) int64 {
	var total int64
	for _, a := range agents {
		if a.Performance != nil && a.Performance.AvgResponseTime > 0 {
			total += int64(a.Performance.AvgResponseTime)
			continue
		}
		total += defaultStepMillis
	}
	return total
}

// defaultInput fills workflow input fields the steps read, from the intent
// context first and then from the description.
func defaultInput(intent Intent, wf *workflow.Workflow) map[string]any {
	fields := map[string]struct{}{}
	for _, step := range wf.Steps {
		for _, ref := range step.InputMapping {
			if ref.Kind == workflow.RefInput {
				fields[ref.Field] = struct{}{}
			}
		}
	}
	out := map[string]any{}
	for field := range fields {
		if v, ok := intent.Context[field]; ok {
			out[field] = workflow.CloneValue(v)
			continue
		}
		if v, ok := guess(field, intent.Description); ok {
			out[field] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func guess(field, description string) (string, bool) {
	switch strings.ToLower(field) {
	case "name", "username", "recipient":
		if name := extractName(description); name != "" {
			return name, true
		}
		return "User", true
	case "language", "lang":
		if lang := extractLanguage(description); lang != "" {
			return lang, true
		}
		return "english", true
	case "prompt":
		if prompt := extractPrompt(description); prompt != "" {
			return prompt, true
		}
		return description, true
	case "description", "text", "query":
		return description, true
	}
	return "", false
}

func extractName(description string) string {
	for _, m := range namePattern.FindAllStringSubmatch(description, -1) {
		candidate := strings.Trim(m[1], "'-")
		if candidate == "" || stopWords[strings.ToLower(candidate)] {
			continue
		}
		if isLanguage(candidate) {
			continue
		}
		return candidate
	}
	return ""
}

func extractLanguage(description string) string {
	lower := strings.ToLower(description)
	for _, lang := range languages {
		if strings.Contains(lower, lang) {
			return lang
		}
	}
	return ""
}

func isLanguage(word string) bool {
	for _, lang := range languages {
		if strings.EqualFold(word, lang) {
			return true
		}
	}
	return false
}

func extractPrompt(description string) string {
	for _, p := range promptPattern {
		if m := p.FindStringSubmatch(description); m != nil {
			if prompt := strings.TrimSpace(m[1]); prompt != "" {
				return prompt
			}
		}
	}
	return ""
}
