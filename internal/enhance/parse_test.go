package enhance

import (
	"strings"
	"testing"

	"tasknest/internal/domain"
)

func TestParseEnhancementFromProse(t *testing.T) {
	raw := "Sure! Here you go:\n```json\n{\"enhanced_title\": \"Write Q3 report {draft}\", \"enhanced_description\": \"Collect numbers, then \\\"summarize\\\".\", \"notes\": \"Clarified scope\"}\n```\nHope that helps {really}."
	res := Parse(domain.ModeEnhance, raw)
	if res.Source != SourceParsed || res.Enhancement == nil {
		t.Fatalf("expected parsed result, got %+v", res)
	}
	if res.Enhancement.Title != "Write Q3 report {draft}" || res.Enhancement.Notes != "Clarified scope" {
		t.Fatalf("unexpected enhancement: %+v", res.Enhancement)
	}
	if !strings.Contains(res.Enhancement.Description, `"summarize"`) {
		t.Fatalf("escaped quotes lost: %q", res.Enhancement.Description)
	}
}

func TestParseEnhancementFallback(t *testing.T) {
	raw := "\n  Plan the offsite  \nBook a venue and send invites."
	res := Parse(domain.ModeEnhance, raw)
	if res.Source != SourceFallback {
		t.Fatalf("expected fallback, got %s", res.Source)
	}
	e := res.Enhancement
	if e.Title != "[Enhanced] Plan the offsite" {
		t.Fatalf("unexpected fallback title %q", e.Title)
	}
	if e.Description != strings.TrimSpace(raw) || e.Notes != FallbackEnhanceNotes {
		t.Fatalf("unexpected fallback body: %+v", e)
	}
	again := Parse(domain.ModeEnhance, raw)
	if *again.Enhancement != *e {
		t.Fatalf("fallback must be deterministic")
	}
}

func TestParseEnhancementInvalidFirstSpan(t *testing.T) {
	res := Parse(domain.ModeEnhance, `{not json} {"enhanced_title":"later"}`)
	if res.Source != SourceFallback {
		t.Fatalf("only the first span is considered, got %s", res.Source)
	}
	long := strings.Repeat("x", 400)
	res = Parse(domain.ModeEnhance, long)
	if len([]rune(res.Enhancement.Title)) != maxFallbackTitle {
		t.Fatalf("expected truncated title, got %d runes", len([]rune(res.Enhancement.Title)))
	}
}

func TestParseSplitNormalizes(t *testing.T) {
	raw := `{"subtasks":[
{"title":"A","priority":"HIGH","estimated_hours":1.5},
{"title":"  ","priority":"low"},
{"title":"B","priority":"urgent","estimated_hours":-3},
{"title":"C"},{"title":"D"},{"title":"E"},{"title":"F"},{"title":"G"}],
"rationale":"Smaller steps"}`
	res := Parse(domain.ModeSplit, raw)
	if res.Source != SourceParsed || res.Split == nil {
		t.Fatalf("expected parsed split, got %+v", res)
	}
	subs := res.Split.Subtasks
	if len(subs) != maxSubtasks {
		t.Fatalf("expected %d subtasks, got %d", maxSubtasks, len(subs))
	}
	if subs[0].Priority != domain.PriorityHigh || subs[0].EstimatedHours != 1.5 {
		t.Fatalf("unexpected first subtask: %+v", subs[0])
	}
	if subs[1].Title != "B" || subs[1].Priority != domain.PriorityMedium || subs[1].EstimatedHours != 0 {
		t.Fatalf("unexpected normalized subtask: %+v", subs[1])
	}
	if res.Split.Rationale != "Smaller steps" {
		t.Fatalf("unexpected rationale %q", res.Split.Rationale)
	}
}

func TestParseSplitFallback(t *testing.T) {
	for _, raw := range []string{"I cannot split this task.", `{"subtasks":[]}`, `{"subtasks":[{"title":""}]}`} {
		res := Parse(domain.ModeSplit, raw)
		if res.Source != SourceFallback {
			t.Fatalf("%q: expected fallback", raw)
		}
		subs := res.Split.Subtasks
		if len(subs) != 3 || subs[0].Title != "Research and Planning" || subs[1].Title != "Implementation" || subs[2].Title != "Review and Testing" {
			t.Fatalf("unexpected canonical subtasks: %+v", subs)
		}
		if subs[0].EstimatedHours != 2 || subs[1].EstimatedHours != 4 || subs[0].Priority != domain.PriorityHigh {
			t.Fatalf("unexpected canonical estimates: %+v", subs)
		}
		if res.Split.Rationale != FallbackSplitNotes {
			t.Fatalf("unexpected rationale %q", res.Split.Rationale)
		}
	}
}

func TestFirstJSONObject(t *testing.T) {
	span, ok := firstJSONObject(`x {"a":"}\"{","b":{"c":1}} y}`)
	if !ok || span != `{"a":"}\"{","b":{"c":1}}` {
		t.Fatalf("unexpected span %q %v", span, ok)
	}
	if _, ok := firstJSONObject(`{"open": true`); ok {
		t.Fatalf("unbalanced input must not match")
	}
}

func TestParseEnhancementBlankReply(t *testing.T) {
	for _, raw := range []string{"", "  \n\t\n"} {
		res := Parse(domain.ModeEnhance, raw)
		if res.Source != SourceFallback {
			t.Fatalf("expected fallback for %q, got %s", raw, res.Source)
		}
		if res.Enhancement.Title != "" || res.Enhancement.Description != "" || res.Enhancement.Notes != FallbackEnhanceNotes {
			t.Fatalf("blank reply must not invent a title: %+v", res.Enhancement)
		}
	}
}
