package lifecycle

import "strings"

const summaryMarker = "SUMMARY"

// ExtractSummary pulls the SUMMARY section out of a worker's final response.
//
// The section starts at the first line that, once leading '#' markers and
// spaces are removed, begins with SUMMARY in any case. Everything after that
// line is the summary; if nothing follows, the text after the marker on the
// same line (minus an optional colon) is used instead. It returns "" when
// there is no summary.
func ExtractSummary(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		normalized := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if !strings.HasPrefix(strings.ToUpper(normalized), summaryMarker) {
			continue
		}

		rest := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		if rest != "" {
			return rest
		}
		inline := strings.TrimLeft(normalized[len(summaryMarker):], ":")
		return strings.TrimSpace(inline)
	}
	return ""
}
