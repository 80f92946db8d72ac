// Package processors holds the pluggable processing stages of the support
// pipeline: the analyzers, the context retriever, the response generator, the
// guardrail validator, and the execution coordinator. Each one implements
// actor.Actor (or actor.Router where it steers the route) and is wired to a
// stage subject by the actor runtime.
package processors

import (
	"context"
	"regexp"
	"strings"

	"github.com/meshline/supportmesh/internal/mesh"
)

var wordRe = regexp.MustCompile(`[a-z']+`)

// Lexicons for the rule-based sentiment pass. Sets, not slices, because the
// per-word lookup is the hot path.
var (
	positiveWords = wordSet(
		"good", "great", "excellent", "amazing", "awesome", "fantastic",
		"wonderful", "perfect", "love", "like", "happy", "pleased",
		"satisfied", "delighted", "thrilled", "glad", "appreciate",
		"thank", "thanks", "grateful", "helpful", "smooth", "easy",
		"fast", "quick", "efficient", "professional", "friendly",
		"reliable", "quality", "recommend", "impressed", "outstanding",
	)

	negativeWords = wordSet(
		"bad", "terrible", "horrible", "awful", "worst", "hate", "angry",
		"frustrated", "annoyed", "disappointed", "upset", "mad", "furious",
		"disgusted", "outraged", "appalled", "shocked", "worried",
		"confused", "stuck", "broken", "failed", "error", "problem",
		"issue", "trouble", "slow", "delayed", "late", "wrong",
		"useless", "worthless", "waste", "poor", "scam", "fraud",
		"unacceptable", "rude", "unprofessional", "ridiculous",
	)

	urgencyWords = wordSet(
		"urgent", "urgently", "emergency", "asap", "immediately", "now",
		"today", "critical", "rush", "deadline", "expired", "expires",
	)

	intensifiers = wordSet(
		"very", "extremely", "really", "totally", "completely",
		"absolutely", "incredibly", "seriously", "deeply", "truly",
	)

	negations = wordSet(
		"not", "no", "never", "nothing", "hardly", "barely", "without",
		"isn't", "aren't", "wasn't", "don't", "doesn't", "won't",
		"can't", "couldn't", "shouldn't", "wouldn't",
	)
)

var urgencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(today|tonight|this\s+week)\b`),
	regexp.MustCompile(`(?i)\b(need|want|require).{0,20}(immediately|asap|urgently)\b`),
	regexp.MustCompile(`(?i)\btime[\s-]sensitive\b`),
	regexp.MustCompile(`(?i)\b(deadline|due\s+date)\b`),
}

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// SentimentAnalyzer scores the raw customer message with a lexicon pass:
// signed word scores with negation flips and intensifier boosts, plus a
// separate urgency score from keywords and phrase patterns.
type SentimentAnalyzer struct{}

// NewSentimentAnalyzer builds the rule-based analyzer.
func NewSentimentAnalyzer() *SentimentAnalyzer { return &SentimentAnalyzer{} }

func (a *SentimentAnalyzer) Stage() mesh.Stage { return mesh.StageSentimentAnalyzer }

func (a *SentimentAnalyzer) Process(_ context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	text := strings.ToLower(p.CustomerMessage)
	words := wordRe.FindAllString(text, -1)

	var positive, negative float64
	var keywords []string
	for i, w := range words {
		_, isPos := positiveWords[w]
		_, isNeg := negativeWords[w]
		if !isPos && !isNeg {
			continue
		}
		score := 1.0
		lo := i - 2
		if lo < 0 {
			lo = 0
		}
		negated := false
		for _, prev := range words[lo:i] {
			if _, ok := intensifiers[prev]; ok {
				score = 1.5
			}
			if _, ok := negations[prev]; ok {
				negated = true
			}
		}
		// A negation in the preceding window flips polarity.
		if isPos != negated {
			positive += score
		} else {
			negative += score
		}
		keywords = append(keywords, w)
	}

	label := "neutral"
	intensity := 0.0
	if hits := positive + negative; hits > 0 {
		total := positive - negative
		intensity = min(absf(total)/hits, 1.0)
		if total > 0.5 {
			label = "positive"
		} else if total < -0.5 {
			label = "negative"
		}
	}

	return &mesh.Sentiment{
		Label:     label,
		Intensity: intensity,
		Urgency:   urgencyLevel(text, words),
		Keywords:  keywords,
	}, nil
}

// urgencyLevel folds keyword hits and phrase patterns into one of the four
// levels the routing rules understand.
func urgencyLevel(text string, words []string) string {
	score := 0
	for _, w := range words {
		if _, ok := urgencyWords[w]; ok {
			score++
		}
	}
	for _, pat := range urgencyPatterns {
		if pat.MatchString(text) {
			score += 2
		}
	}
	switch {
	case score >= 5 || strings.Contains(text, "emergency"):
		return "critical"
	case score >= 3:
		return "high"
	case score >= 1:
		return "medium"
	default:
		return "low"
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
