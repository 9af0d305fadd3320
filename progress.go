package diagterm

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	writePercentRe   = regexp.MustCompile(`Writing at 0x[\da-fA-F]+\.\.\. \((\d+)%\)`)
	verifyPercentRe  = regexp.MustCompile(`Verifying\.\.\. \((\d+)%\)`)
	erasePercentRe   = regexp.MustCompile(`Erasing\.\.\. \((\d+)%\)`)
	genericPercentRe = regexp.MustCompile(`(\d+)%`)
)

// completionPhrases force the progress to 100 when they appear.
var completionPhrases = []string{"Hash of data verified", "Leaving...", "Hard resetting"}

// ProgressTracker turns flashing tool output into one percentage that never
// decreases. Erase lines count up to 10, write lines up to 90 and verify
// lines fill 90 to 100.
type ProgressTracker struct {
	mu      sync.Mutex
	percent int
}

// Observe scans one chunk of output. It returns the overall percentage and
// whether it increased.
func (p *ProgressTracker) Observe(text string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.percent
	next := prev
	if v, ok := matchPercent(writePercentRe, text); ok {
		next = max(next, min(v, 90))
	} else if v, ok := matchPercent(verifyPercentRe, text); ok {
		next = max(next, 90+min(v/10, 10))
	} else if v, ok := matchPercent(erasePercentRe, text); ok {
		next = max(next, min(v, 10))
	} else if v, ok := matchPercent(genericPercentRe, text); ok {
		next = max(next, min(v, 100))
	}

	for _, phrase := range completionPhrases {
		if strings.Contains(text, phrase) {
			next = 100
			break
		}
	}

	p.percent = next
	return next, next > prev
}

// Percent returns the current overall percentage.
func (p *ProgressTracker) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

func matchPercent(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}
