package matching

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MaxScore is the ceiling of every compatibility score.
const MaxScore = 100

// Compatibility scores two answer vectors on [0, 100].
//
// Each item contributes ScaleMax - |a_i - b_i| out of ScaleMax; the sum is
// turned into a rounded percentage, then KeyBonus is added for each key
// question answered identically and the result is clamped to MaxScore.
// Vectors of different or zero length score 0.
func (q *Questionnaire) Compatibility(a, b []int) int {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	raw, max := 0, n*q.ScaleMax
	for i := range a {
		raw += q.ScaleMax - clampDiff(abs(a[i]-b[i]), q.ScaleMax)
	}
	score := int(math.Round(float64(raw) / float64(max) * 100))

	for _, k := range q.keys {
		if k < n && a[k] == b[k] {
			score += q.KeyBonus
		}
	}
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SharedInterests derives human-readable tags for the items where the two
// answers differ by at most one step. Labels follow a's answers. When fewer
// than MinInterests tags are derived the fallback tag is appended once.
func (q *Questionnaire) SharedInterests(a, b []int) []string {
	out := make([]string, 0, len(q.Items)+1)
	if len(a) == len(b) {
		for i, it := range q.Items {
			if i >= len(a) || abs(a[i]-b[i]) > 1 {
				continue
			}
			if label := q.label(it, a[i]); label != "" {
				out = append(out, label)
			}
		}
	}
	if len(out) < q.MinInterests && q.FallbackInterest != "" {
		out = append(out, q.FallbackInterest)
	}
	return out
}

func (q *Questionnaire) label(it Item, answer int) string {
	switch {
	case it.Label != "":
		return it.Label
	case len(it.Choices) > 0:
		if answer < 0 || answer >= len(it.Choices) {
			return ""
		}
		return it.Prefix + cases.Title(language.English).String(it.Choices[answer])
	case it.Tiers != nil:
		switch {
		case answer <= 1:
			return it.Tiers.Low
		case answer >= q.ScaleMax-1:
			return it.Tiers.High
		default:
			return it.Tiers.Mid
		}
	}
	return ""
}

var greetings = []string{
	"Fate struck! You and %s are made for each other.",
	"Love at first sight! %s shares your values and your dreams.",
	"The stars are aligning... %s could be your soulmate!",
	"The heart has its reasons... Found: %s!",
	"Cupid hit the mark! Meet %s, your other half.",
}

// WaitingLine is returned with results that found no pairing yet.
const WaitingLine = "We're looking for your soulmate... hang tight!"

// Greeting returns a stable greeting for a match, naming peer. The template
// is picked by hashing matchID so both members and every status poll see the
// same line.
func Greeting(matchID, peer string) string {
	i := xxhash.Sum64String(matchID) % uint64(len(greetings))
	return fmt.Sprintf(greetings[i], peer)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func clampDiff(d, max int) int {
	if d > max {
		return max
	}
	return d
}
