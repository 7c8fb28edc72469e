// Package content evaluates page content for vigil: match-spec term
// evaluation, redirect divergence, error-page detection, and visible-text
// extraction from tab HTML.
package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Joiner values for match terms.
const (
	JoinerAnd = "AND"
	JoinerOr  = "OR"
)

// MaxTerms caps the number of terms in one match spec.
const MaxTerms = 16

// Term is one entry of an ordered match spec. The first entry carries no
// joiner; every following entry joins onto the previous ones with AND or OR.
type Term struct {
	Term   string `json:"term"`
	Joiner string `json:"joiner,omitempty"`
}

// ParseSpec decodes a match-spec JSON array.
func ParseSpec(matchJSON string) ([]Term, error) {
	var terms []Term
	if err := json.Unmarshal([]byte(matchJSON), &terms); err != nil {
		return nil, fmt.Errorf("content: parse match spec: %w", err)
	}
	return terms, nil
}

// EncodeSpec encodes a term list back to its JSON form.
func EncodeSpec(terms []Term) (string, error) {
	data, err := json.Marshal(terms)
	if err != nil {
		return "", fmt.Errorf("content: encode match spec: %w", err)
	}
	return string(data), nil
}

// ValidateSpec checks structural rules: non-empty, bounded, first joiner
// empty, subsequent joiners AND or OR, no blank terms.
func ValidateSpec(terms []Term) error {
	if len(terms) == 0 {
		return fmt.Errorf("content: match spec must have at least one term")
	}
	if len(terms) > MaxTerms {
		return fmt.Errorf("content: match spec exceeds %d terms", MaxTerms)
	}
	for i, t := range terms {
		if strings.TrimSpace(t.Term) == "" {
			return fmt.Errorf("content: term %d is blank", i)
		}
		if i == 0 {
			if t.Joiner != "" {
				return fmt.Errorf("content: first term must not have a joiner")
			}
			continue
		}
		if t.Joiner != "" && t.Joiner != JoinerAnd && t.Joiner != JoinerOr {
			return fmt.Errorf("content: term %d has joiner %q, want AND or OR", i, t.Joiner)
		}
	}
	return nil
}

// MatchText evaluates a match spec against page text. AND binds tighter
// than OR: the terms are grouped into OR-separated AND-groups and the spec
// matches if every term of any one group is present. Only an explicit AND
// joiner extends a group; OR and a missing joiner both start a new one.
// Matching is case-insensitive substring.
func MatchText(terms []Term, text string) bool {
	if len(terms) == 0 {
		return false
	}
	lower := strings.ToLower(text)

	group := []string{terms[0].Term}
	groups := [][]string{}
	for _, t := range terms[1:] {
		if t.Joiner == JoinerAnd {
			group = append(group, t.Term)
			continue
		}
		groups = append(groups, group)
		group = []string{t.Term}
	}
	groups = append(groups, group)

	for _, g := range groups {
		if groupMatches(g, lower) {
			return true
		}
	}
	return false
}

func groupMatches(terms []string, lowerText string) bool {
	for _, term := range terms {
		if !strings.Contains(lowerText, strings.ToLower(term)) {
			return false
		}
	}
	return true
}
