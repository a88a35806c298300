package processor

import "regexp"

var percentPattern = regexp.MustCompile(`(\d{1,3})\s*%`)

// detectPercentage scans text for a decimal percentage substring,
// scraping progress out of free-form tool output.
func detectPercentage(text string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	var pct float64
	for _, c := range m[1] {
		pct = pct*10 + float64(c-'0')
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

type keywordPhase struct {
	keywords   []string
	message    string
	defaultPct float64
}

var keywordPhases = []keywordPhase{
	{[]string{"Installing", "Downloading"}, "Installing dependencies...", 20},
	{[]string{"Building", "Compiling"}, "Building project...", 50},
	{[]string{"Testing", "Running tests"}, "Running tests...", 70},
}

// detectPhaseMessage returns a default progress message/percentage for
// free-form output containing one of the recognised keywords.
func detectPhaseMessage(text string) (message string, pct float64, ok bool) {
	for _, kp := range keywordPhases {
		for _, kw := range kp.keywords {
			if containsFold(text, kw) {
				return kp.message, kp.defaultPct, true
			}
		}
	}
	return "", 0, false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return false
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
