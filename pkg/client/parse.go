package client

import (
	"encoding/json"
	"strings"

	"github.com/menta2k/image-tiler/pkg/types"
)

// ParseAnalysisResult parses the JSON object a vision model returned.
// Models often wrap or decorate their JSON; anything that still cannot be
// parsed yields an empty result whose Description says why, rather than an error.
func ParseAnalysisResult(raw string) *types.AnalysisResult {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return &types.AnalysisResult{Objects: []types.Object{}, Description: "Model returned non-JSON response"}
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return &types.AnalysisResult{Objects: []types.Object{}, Description: "Failed to parse model response"}
	}
	if result.Objects == nil {
		result.Objects = []types.Object{}
	}
	return &result
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from a model response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = dropTrailingCommas(stripComments(raw))

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// stripComments removes // and /* */ comments that are outside JSON strings.
// A line comment's newline is kept.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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

		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				end := strings.IndexByte(s[i:], '\n')
				if end < 0 {
					return b.String()
				}
				i += end - 1
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += end + 3
				continue
			}
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// dropTrailingCommas removes commas outside strings that are followed only
// by whitespace before a closing } or ].
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == ',':
			rest := strings.TrimLeft(s[i+1:], " \t\r\n")
			if rest != "" && (rest[0] == '}' || rest[0] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
