// Package sections extracts the Markdown sections the sandbox wrapper
// prints on stdout. The wrapper contract is a flat document of
// "## <Title>" headers; each section body runs until the next header or
// the end of the output.
package sections

import (
	"regexp"
	"strings"
)

// Canonical section titles produced by the sandbox wrapper.
const (
	TitleCodeOutput  = "Code Output"
	TitleCodeError   = "Code Error"
	TitleMitmproxy   = "Mitmproxy Log (HTTP/HTTPS flows)"
	TitleTcpdump     = "Tcpdump Log (All network traffic)"
	TitleNetworkDiff = "Network Difference (Initial vs Final)"
)

// Extract returns the trimmed body of the first "## <title>" section in
// text, or "" when the section is absent. Title matching is literal.
func Extract(text, title string) string {
	re := regexp.MustCompile(`(?s)## ` + regexp.QuoteMeta(title) + `\s*\n(.*?)(?:\n## |$)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Report is the parsed form of one sandbox run's output.
type Report struct {
	CodeOutput  string
	CodeError   string
	Mitmproxy   string
	Tcpdump     string
	NetworkDiff string
}

// Parse pulls all five canonical sections out of the raw container output.
// Missing sections come back empty; extra sections are ignored.
func Parse(text string) Report {
	return Report{
		CodeOutput:  Extract(text, TitleCodeOutput),
		CodeError:   Extract(text, TitleCodeError),
		Mitmproxy:   Extract(text, TitleMitmproxy),
		Tcpdump:     Extract(text, TitleTcpdump),
		NetworkDiff: Extract(text, TitleNetworkDiff),
	}
}

// LineCount counts non-empty lines in s.
func LineCount(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// UsefulMitm reports whether the mitmproxy section has enough content to
// be worth sending for analysis. Short captures are header noise.
func UsefulMitm(s string) bool {
	return LineCount(s) > 4
}

// UsefulTcpdump reports whether the tcpdump section has enough content to
// be worth sending for analysis.
func UsefulTcpdump(s string) bool {
	return LineCount(s) > 10
}
