package enhance

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"tasknest/internal/domain"
)

type Source string

const (
	SourceParsed   Source = "parsed"
	SourceFallback Source = "fallback"
)

type Enhancement struct {
	Title       string `json:"enhanced_title"`
	Description string `json:"enhanced_description"`
	Notes       string `json:"notes"`
}

type Split struct {
	Subtasks  []domain.Subtask `json:"subtasks"`
	Rationale string           `json:"rationale"`
}

// Result is either parsed model output or the deterministic fallback. Exactly one of
// Enhancement and Split is set, matching the mode.
type Result struct {
	Source      Source
	Enhancement *Enhancement
	Split       *Split
}

const (
	fallbackTitlePrefix = "[Enhanced] "
	maxFallbackTitle    = 200
	maxSubtasks         = 6

	FallbackEnhanceNotes = "AI response could not be parsed as JSON; raw response used as description."
	FallbackSplitNotes   = "Automatic splitting failed; a default breakdown was used."
)

// Parse never fails: output without a usable JSON object yields the fallback for mode.
func Parse(mode, raw string) Result {
	if mode == domain.ModeSplit {
		if s, ok := parseSplit(raw); ok {
			return Result{Source: SourceParsed, Split: &s}
		}
		s := FallbackSplit()
		return Result{Source: SourceFallback, Split: &s}
	}
	if e, ok := parseEnhancement(raw); ok {
		return Result{Source: SourceParsed, Enhancement: &e}
	}
	e := FallbackEnhancement(raw)
	return Result{Source: SourceFallback, Enhancement: &e}
}

func parseEnhancement(raw string) (Enhancement, bool) {
	span, ok := firstJSONObject(raw)
	if !ok {
		return Enhancement{}, false
	}
	var e Enhancement
	if err := json.Unmarshal([]byte(span), &e); err != nil {
		return Enhancement{}, false
	}
	e.Title = strings.TrimSpace(e.Title)
	e.Description = strings.TrimSpace(e.Description)
	e.Notes = strings.TrimSpace(e.Notes)
	if e.Title == "" && e.Description == "" {
		return Enhancement{}, false
	}
	return e, true
}

type rawSubtask struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	EstimatedHours *float64 `json:"estimated_hours"`
}

func parseSplit(raw string) (Split, bool) {
	span, ok := firstJSONObject(raw)
	if !ok {
		return Split{}, false
	}
	var decoded struct {
		Subtasks  []rawSubtask `json:"subtasks"`
		Rationale string       `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(span), &decoded); err != nil {
		return Split{}, false
	}
	var out Split
	for _, st := range decoded.Subtasks {
		title := strings.TrimSpace(st.Title)
		if title == "" {
			continue
		}
		priority := strings.ToLower(strings.TrimSpace(st.Priority))
		if !domain.ValidPriority(priority) {
			priority = domain.PriorityMedium
		}
		hours := 0.0
		if st.EstimatedHours != nil && *st.EstimatedHours > 0 {
			hours = *st.EstimatedHours
		}
		out.Subtasks = append(out.Subtasks, domain.Subtask{
			Title:          truncate(title, 500),
			Description:    strings.TrimSpace(st.Description),
			Priority:       priority,
			EstimatedHours: hours,
		})
		if len(out.Subtasks) == maxSubtasks {
			break
		}
	}
	if len(out.Subtasks) == 0 {
		return Split{}, false
	}
	out.Rationale = strings.TrimSpace(decoded.Rationale)
	return out, true
}

// FallbackEnhancement marks up the first non-empty line as the title and keeps the full reply as description.
// A blank reply leaves Title and Description empty so the task keeps its own.
func FallbackEnhancement(raw string) Enhancement {
	e := Enhancement{Description: strings.TrimSpace(raw), Notes: FallbackEnhanceNotes}
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			e.Title = truncate(fallbackTitlePrefix+line, maxFallbackTitle)
			break
		}
	}
	return e
}

func FallbackSplit() Split {
	return Split{
		Subtasks: []domain.Subtask{
			{Title: "Research and Planning", Description: "Gather requirements and plan the approach.", Priority: domain.PriorityHigh, EstimatedHours: 2},
			{Title: "Implementation", Description: "Carry out the planned work.", Priority: domain.PriorityMedium, EstimatedHours: 4},
			{Title: "Review and Testing", Description: "Check the result and fix any issues found.", Priority: domain.PriorityMedium, EstimatedHours: 2},
		},
		Rationale: FallbackSplitNotes,
	}
}

// firstJSONObject returns the first balanced {...} span, ignoring braces inside JSON strings.
func firstJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
