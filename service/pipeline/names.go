package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

const fallbackFileName = "downloaded_track"

// "Performer - Title", performer taking the shortest match
var performerTitle = regexp2.MustCompile(`^(?<performer>.+?) - (?<title>.+)$`, regexp2.IgnoreCase)

var (
	disallowedChars = regexp.MustCompile(`[^\p{L}\p{N}_\s.\-()]`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
)

// parseFileName splits a "Performer - Title" stem. ok is false when the stem
// does not follow the pattern.
func parseFileName(stem string) (performer, title string, ok bool) {
	m, err := performerTitle.FindStringMatch(stem)
	if err != nil || m == nil {
		return "", "", false
	}

	performer = strings.TrimSpace(m.GroupByName("performer").String())
	title = strings.TrimSpace(m.GroupByName("title").String())
	if performer == "" || title == "" {
		return "", "", false
	}
	return performer, title, true
}

// SanitizeFileName makes name safe as a single path element and as an
// attachment name. Separators become dashes and accents are folded to
// ASCII unless that would lose every letter. Other symbols are dropped and
// whitespace is collapsed.
func SanitizeFileName(name string) string {
	name = strings.NewReplacer("/", "-", `\`, "-").Replace(name)

	if folded := foldASCII(name); strings.IndexFunc(folded, isAlnum) >= 0 {
		name = folded
	}

	name = disallowedChars.ReplaceAllString(name, "")
	name = whitespaceRuns.ReplaceAllString(strings.TrimSpace(name), " ")
	if name == "" {
		return fallbackFileName
	}
	return name
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func foldASCII(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}
