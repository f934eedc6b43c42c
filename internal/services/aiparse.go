package services

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ParsePath records which stage of the two-stage parser produced a result.
type ParsePath string

const (
	ParsePathJSON  ParsePath = "json"
	ParsePathRegex ParsePath = "regex"
	ParsePathNone  ParsePath = "none"
)

// MatchVerdict is one scored assessment extracted from model output.
type MatchVerdict struct {
	ID              string
	Score           int
	Rationale       string
	Recommendations string
}

var (
	scoreRe           = regexp.MustCompile(`"score"\s*:\s*"?(\d+(?:\.\d+)?)"?`)
	rationaleRe       = regexp.MustCompile(`"rationale"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	recommendationsRe = regexp.MustCompile(`"recommendations"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	idRe              = regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`)
	objectRe          = regexp.MustCompile(`\{[^{}]*\}`)
)

// parseMatchVerdict extracts a single {score, rationale, recommendations}
// object from model output. Strict JSON first (tolerating code fences and
// surrounding prose), then regex field extraction. A ParsePathNone result
// means neither stage found a score; callers treat that as an empty result,
// not an error.
func parseMatchVerdict(raw string) (*MatchVerdict, ParsePath) {
	cleaned := stripCodeFences(raw)

	if obj := firstJSONSpan(cleaned, '{', '}'); obj != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(obj), &m); err == nil {
			if v, ok := coerceVerdict(m); ok {
				return v, ParsePathJSON
			}
		}
	}

	if v, ok := regexVerdict(cleaned); ok {
		return v, ParsePathRegex
	}
	return nil, ParsePathNone
}

// parseBatchVerdicts extracts a JSON array of verdicts. Strict parse of the
// first bracket-delimited span first, then per-object regex extraction.
func parseBatchVerdicts(raw string) ([]MatchVerdict, ParsePath) {
	cleaned := stripCodeFences(raw)

	if arr := firstJSONSpan(cleaned, '[', ']'); arr != "" {
		var items []map[string]any
		if err := json.Unmarshal([]byte(arr), &items); err == nil {
			out := make([]MatchVerdict, 0, len(items))
			for _, m := range items {
				if v, ok := coerceVerdict(m); ok {
					out = append(out, *v)
				}
			}
			return out, ParsePathJSON
		}
	}

	var out []MatchVerdict
	for _, obj := range objectRe.FindAllString(cleaned, -1) {
		if v, ok := regexVerdict(obj); ok && v.ID != "" {
			out = append(out, *v)
		}
	}
	if len(out) > 0 {
		return out, ParsePathRegex
	}
	return nil, ParsePathNone
}

func coerceVerdict(m map[string]any) (*MatchVerdict, bool) {
	score, ok := coerceInt(m["score"])
	if !ok {
		return nil, false
	}
	return &MatchVerdict{
		ID:              strings.TrimSpace(coerceString(m["id"])),
		Score:           score,
		Rationale:       strings.TrimSpace(coerceString(m["rationale"])),
		Recommendations: strings.TrimSpace(coerceString(m["recommendations"])),
	}, true
}

func regexVerdict(text string) (*MatchVerdict, bool) {
	sm := scoreRe.FindStringSubmatch(text)
	if sm == nil {
		return nil, false
	}
	f, err := strconv.ParseFloat(sm[1], 64)
	if err != nil {
		return nil, false
	}
	v := &MatchVerdict{Score: int(f)}
	if m := idRe.FindStringSubmatch(text); m != nil {
		v.ID = m[1]
	}
	if m := rationaleRe.FindStringSubmatch(text); m != nil {
		v.Rationale = unescapeJSONString(m[1])
	}
	if m := recommendationsRe.FindStringSubmatch(text); m != nil {
		v.Recommendations = unescapeJSONString(m[1])
	}
	return v, true
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := coerceString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return ""
	}
}

func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// firstJSONSpan returns the first balanced span delimited by open/close,
// e.g. the first {...} object or [...] array, skipping leading prose.
func firstJSONSpan(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// clampScore bounds a model-provided score to [0,100].
func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
