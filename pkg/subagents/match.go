package subagents

import (
	"sort"
	"strings"
)

const nameBonus = 100
const phraseBonus = 8
const keywordBonus = 3
const tokenBonus = 1
const proactiveBonus = 5

// BestMatch scores every registered agent against a free-text description
// and returns the winner, or nil if every agent scored zero. Ties are
// broken by source priority (builtin < user < plugin < project, i.e. the
// later-registered source wins), matching the shadowing rule used at
// registration time.
func (r *Registry) BestMatch(description string) *MatchResult {
	matches := r.Matches(description)
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

// Matches scores every registered agent and returns the non-zero results,
// best first.
func (r *Registry) Matches(description string) []MatchResult {
	lowerDesc := strings.ToLower(description)
	descTokens := tokenize(lowerDesc)

	agents := r.All()
	results := make([]MatchResult, 0, len(agents))
	for _, agent := range agents {
		score := scoreAgent(agent, lowerDesc, descTokens)
		if score <= 0 {
			continue
		}
		results = append(results, MatchResult{Agent: agent, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Agent.Source > results[j].Agent.Source
	})
	return results
}

func scoreAgent(agent *Subagent, lowerDesc string, descTokens map[string]bool) int {
	score := 0

	if strings.Contains(lowerDesc, strings.ToLower(agent.Name)) {
		score += nameBonus
	}

	for _, phrase := range agent.Phrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowerDesc, strings.ToLower(phrase)) {
			score += phraseBonus
		}
	}

	for _, keyword := range agent.Keywords {
		if keyword == "" {
			continue
		}
		if descTokens[strings.ToLower(keyword)] {
			score += keywordBonus
		}
	}

	agentTokens := tokenize(strings.ToLower(agent.Description))
	for token := range descTokens {
		if agentTokens[token] {
			score += tokenBonus
		}
	}

	// The proactive bonus only applies once some other signal has already
	// fired — it amplifies an existing match, it does not create one on
	// its own.
	if agent.Proactive && score > 0 {
		score += proactiveBonus
	}

	return score
}

// tokenize splits on anything that isn't a letter or digit and returns the
// resulting set of non-empty lowercase tokens.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens[b.String()] = true
			b.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
