// Package quality judges whether a PDF text layer is real text or the
// residue of a scanned page.
package quality

import (
	"math"
	"strings"
	"unicode"
)

type Assessment struct {
	Score     float64
	Usable    bool
	Reasons   []string
	WordCount int
}

const usableScore = 0.5

func CountWords(s string) int {
	return len(strings.Fields(s))
}

// Assess scores one page of extracted text. Short pages are not penalized
// on length alone: a title page with three words is still a text layer.
func Assess(text string) Assessment {
	clean := normalize(text)
	wc := CountWords(clean)

	total := float64(len([]rune(clean)))
	if total == 0 {
		return Assessment{Reasons: []string{"empty_text"}}
	}

	alphaRatio := float64(countIf(clean, unicode.IsLetter)) / total
	digitRatio := float64(countIf(clean, unicode.IsDigit)) / total
	garbageRatio := float64(countIf(clean, isGarbage)) / total
	scrambled := singleCharRatio(clean)

	score := 1.0
	var reasons []string

	if garbageRatio > 0.02 {
		score -= math.Min(0.6, garbageRatio*25)
		reasons = append(reasons, "garbage_chars")
	}

	if alphaRatio < 0.25 {
		penalty := 0.35
		if alphaRatio < 0.15 {
			penalty = 0.5
		}
		// tables of figures are mostly digits
		if digitRatio > 0.20 {
			penalty *= 0.6
		}
		score -= penalty
		reasons = append(reasons, "low_alpha_ratio")
	}

	// Single-digit cells in a table of figures are not scrambled glyphs.
	if wc >= 10 && scrambled > 0.30 && digitRatio < alphaRatio {
		score -= 0.25
		reasons = append(reasons, "scrambled_text")
	}

	if hasRepeatedRun(clean, 8) {
		score -= 0.1
		reasons = append(reasons, "repeated_patterns")
	}

	score = math.Max(0, math.Min(1, score))
	return Assessment{
		Score:     score,
		Usable:    score > usableScore,
		Reasons:   reasons,
		WordCount: wc,
	}
}

// Clean drops replacement and control characters, keeping newlines and
// tabs, and trims the result.
func Clean(s string) string {
	if strings.IndexFunc(s, isGarbage) < 0 {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if isGarbage(r) {
			return -1
		}
		return r
	}, s))
}

func isGarbage(r rune) bool {
	return r == '\uFFFD' || (unicode.IsControl(r) && r != '\n' && r != '\t')
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func countIf(s string, pred func(rune) bool) int {
	n := 0
	for _, r := range s {
		if pred(r) {
			n++
		}
	}
	return n
}

// singleCharRatio is the share of one-rune words, high when glyphs were
// extracted without word spacing.
func singleCharRatio(s string) float64 {
	words := strings.Fields(s)
	if len(words) == 0 {
		return 0
	}
	single := 0
	for _, w := range words {
		if len([]rune(w)) == 1 {
			single++
		}
	}
	return float64(single) / float64(len(words))
}

func hasRepeatedRun(s string, n int) bool {
	run := 0
	var last rune
	for _, r := range s {
		if r == last && !unicode.IsSpace(r) {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
			last = r
		}
	}
	return false
}
