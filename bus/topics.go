package bus

import (
	"strings"

	"github.com/teranos/mspsync/errors"
)

const (
	// WildcardToken matches exactly one token
	WildcardToken = "*"
	// RemainderToken matches one or more trailing tokens
	RemainderToken = ">"
)

// Stage topic prefixes
const (
	StageFetched   = "fetched"
	StageProcessed = "processed"
	StageLinked    = "linked"
	StageAnalysis  = "analysis"
	SyncToken      = "sync"
)

// SyncTopic is where the scheduler dispatches a job: <slug>.sync.<entityType>
func SyncTopic(integrationSlug, entityType string) string {
	return integrationSlug + "." + SyncToken + "." + entityType
}

// SyncPattern subscribes to every dispatch for one integration
func SyncPattern(integrationSlug string) string {
	return integrationSlug + "." + SyncToken + "." + WildcardToken
}

// FetchedTopic carries raw pages: fetched.<entityType>
func FetchedTopic(entityType string) string {
	return StageFetched + "." + entityType
}

// ProcessedTopic carries reconciled entity ids: processed.<entityType>
func ProcessedTopic(entityType string) string {
	return StageProcessed + "." + entityType
}

// LinkedTopic carries linked entity ids: linked.<entityType>
func LinkedTopic(entityType string) string {
	return StageLinked + "." + entityType
}

// AnalysisTopic carries findings: analysis.<analysisType>.<entityType>
func AnalysisTopic(analysisType, entityType string) string {
	return StageAnalysis + "." + analysisType + "." + entityType
}

// LastToken returns the final token of a topic (the entity type for stage topics).
func LastToken(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// ValidateTopic rejects topics that cannot be published to.
func ValidateTopic(topic string) error {
	tokens, err := split(topic)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		if tok == WildcardToken || tok == RemainderToken {
			return errors.NewInvalidRequestError("topic %q contains a wildcard", topic)
		}
	}
	return nil
}

// ValidatePattern rejects malformed subscription patterns.
func ValidatePattern(pattern string) error {
	tokens, err := split(pattern)
	if err != nil {
		return err
	}
	for i, tok := range tokens {
		if tok == RemainderToken && i != len(tokens)-1 {
			return errors.NewInvalidRequestError("pattern %q: %q must be the last token", pattern, RemainderToken)
		}
	}
	return nil
}

func split(s string) ([]string, error) {
	if s == "" {
		return nil, errors.NewInvalidRequestError("empty topic")
	}
	tokens := strings.Split(s, ".")
	for _, tok := range tokens {
		if tok == "" {
			return nil, errors.NewInvalidRequestError("topic %q has an empty token", s)
		}
	}
	return tokens, nil
}

// MatchTopic reports whether topic is matched by pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	p := strings.Split(pattern, ".")
	t := strings.Split(topic, ".")

	for i, tok := range p {
		if tok == RemainderToken {
			return i == len(p)-1 && len(t) > i
		}
		if i >= len(t) {
			return false
		}
		if tok != WildcardToken && tok != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
