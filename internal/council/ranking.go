package council

import (
	"regexp"
	"strings"
)

var (
	rankingHeaderRe = regexp.MustCompile(`(?i)FINAL RANKING:?`)
	rankingItemRe   = regexp.MustCompile(`^\s*\d+[.)]\s*Response\s+([A-Z])\b`)
	labelMentionRe  = regexp.MustCompile(`Response\s+([A-Z])\b`)
)

// ParseRanking extracts an ordered list of labels from a rater's free-text
// critique. Primary strategy: the numbered list under a FINAL RANKING
// header. Fallback: every "Response X" mention in first-occurrence order,
// which recovers a usable ordering from raters that ignore the requested
// format. No mentions at all yields an empty list, not an error.
func ParseRanking(text string) []Label {
	if loc := rankingHeaderRe.FindStringIndex(text); loc != nil {
		if parsed := parseNumberedList(text[loc[1]:]); len(parsed) > 0 {
			return parsed
		}
		// Header present but no numbered list under it; fall through to
		// the mention scan.
	}
	return scanMentions(text)
}

func parseNumberedList(section string) []Label {
	var out []Label
	seen := make(map[Label]bool)

	started := false
	for _, line := range strings.Split(section, "\n") {
		if strings.TrimSpace(line) == "" {
			if !started {
				continue
			}
			break
		}
		match := rankingItemRe.FindStringSubmatch(line)
		if match == nil {
			break
		}
		started = true
		label := Label(match[1])
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}

	return out
}

func scanMentions(text string) []Label {
	matches := labelMentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var out []Label
	seen := make(map[Label]bool)
	for _, match := range matches {
		label := Label(match[1])
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}
