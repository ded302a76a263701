package sections

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleOutput = `## Code Output
all 12 tests passed
## Code Error

## Mitmproxy Log (HTTP/HTTPS flows)
GET https://pypi.org/simple/requests/
GET https://files.pythonhosted.org/packages/requests.whl
## Tcpdump Log (All network traffic)
12:00:01 IP host.54321 > 151.101.0.223.443: Flags [S]
12:00:01 IP 151.101.0.223.443 > host.54321: Flags [S.]
## Network Difference (Initial vs Final)
+ ESTABLISHED 151.101.0.223:443
`

func TestExtract(t *testing.T) {
	assert.Equal(t, "all 12 tests passed", Extract(sampleOutput, TitleCodeOutput))
	assert.Equal(t, "", Extract(sampleOutput, TitleCodeError))
	assert.Equal(t, "+ ESTABLISHED 151.101.0.223:443", Extract(sampleOutput, TitleNetworkDiff))
}

func TestExtractMissingSection(t *testing.T) {
	assert.Equal(t, "", Extract("no sections here at all", TitleCodeOutput))
	assert.Equal(t, "", Extract("", TitleTcpdump))
}

func TestExtractStopsAtNextHeader(t *testing.T) {
	text := "## Code Output\nline one\nline two\n## Code Error\nboom\n"
	assert.Equal(t, "line one\nline two", Extract(text, TitleCodeOutput))
	assert.Equal(t, "boom", Extract(text, TitleCodeError))
}

func TestExtractLastSectionRunsToEOF(t *testing.T) {
	text := "## Code Output\ntail content with no trailing newline"
	assert.Equal(t, "tail content with no trailing newline", Extract(text, TitleCodeOutput))
}

func TestExtractTitleWithRegexMetaChars(t *testing.T) {
	// The mitmproxy and tcpdump titles carry parentheses and slashes.
	text := "## Mitmproxy Log (HTTP/HTTPS flows)\nflow A\n## Tcpdump Log (All network traffic)\npacket B\n"
	assert.Equal(t, "flow A", Extract(text, TitleMitmproxy))
	assert.Equal(t, "packet B", Extract(text, TitleTcpdump))
}

func TestExtractIdempotent(t *testing.T) {
	first := Extract(sampleOutput, TitleMitmproxy)
	second := Extract(sampleOutput, TitleMitmproxy)
	assert.Equal(t, first, second)
}

func TestParse(t *testing.T) {
	r := Parse(sampleOutput)
	assert.Equal(t, "all 12 tests passed", r.CodeOutput)
	assert.Equal(t, "", r.CodeError)
	assert.Contains(t, r.Mitmproxy, "pypi.org")
	assert.Contains(t, r.Tcpdump, "Flags [S]")
	assert.Contains(t, r.NetworkDiff, "ESTABLISHED")
}

func TestParseEmptyInput(t *testing.T) {
	r := Parse("")
	assert.Equal(t, Report{}, r)
}

func TestLineCount(t *testing.T) {
	assert.Equal(t, 0, LineCount(""))
	assert.Equal(t, 0, LineCount("\n\n  \n"))
	assert.Equal(t, 3, LineCount("a\nb\n\nc"))
}

func TestUsefulMitm(t *testing.T) {
	assert.False(t, UsefulMitm("1\n2\n3\n4"))
	assert.True(t, UsefulMitm("1\n2\n3\n4\n5"))
}

func TestUsefulTcpdump(t *testing.T) {
	assert.False(t, UsefulTcpdump("1\n2\n3\n4\n5\n6\n7\n8\n9\n10"))
	assert.True(t, UsefulTcpdump("1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11"))
}
