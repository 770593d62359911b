// Package gatekey derives the identifiers shared by every party of a gate:
// gate keys, signal topics and the durable event slots of a gate.
package gatekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxLength is the maximum length of a gate key.
	MaxLength = 128

	humanPrefix = "human:"
	sysPrefix   = "sys:"

	slugMaxLength = 32
	hashLength    = 24
)

var (
	ErrInvalidGateKey = errors.New("invalid gate key")
	ErrInvalidTopic   = errors.New("invalid topic")
)

var (
	gateKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9:_-]{0,127}$`)
	topicPattern   = regexp.MustCompile(`^(human|sys):[a-z0-9][a-z0-9:_-]{0,127}$`)

	nonSlug     = regexp.MustCompile(`[^a-z0-9]+`)
	nonKeyChars = regexp.MustCompile(`[^a-z0-9:_-]+`)
)

// GateKey derives the deterministic key of the gate reached by (runID, stepID, purpose, attempt).
// The key is a readable slug of the purpose followed by a truncated SHA-256 of the whole tuple.
func GateKey(runID, stepID, purpose string, attempt int) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{runID, stepID, purpose, strconv.Itoa(attempt)}, ":")))

	return slug(purpose) + ":" + hex.EncodeToString(sum[:])[:hashLength]
}

func slug(purpose string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(purpose), "-")
	s = strings.Trim(s, "-")

	if len(s) > slugMaxLength {
		s = strings.TrimRight(s[:slugMaxLength], "-")
	}

	if s == "" {
		return "gate"
	}

	return s
}

// NormalizeGateKey lower-cases raw, collapses whitespace and punctuation to '-' and validates the result.
func NormalizeGateKey(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.Trim(nonKeyChars.ReplaceAllString(key, "-"), "-")

	if err := ValidateGateKey(key); err != nil {
		return "", fmt.Errorf("normalize %q: %w", raw, err)
	}

	return key, nil
}

// ValidateGateKey checks key against the gate key grammar without normalizing it.
func ValidateGateKey(key string) error {
	if !gateKeyPattern.MatchString(key) {
		return ErrInvalidGateKey
	}

	return nil
}

// HumanTopic is the topic human replies for a gate are delivered on.
func HumanTopic(gateKey string) string {
	return humanPrefix + gateKey
}

// SystemTopic is the topic system events keyed by key are delivered on.
func SystemTopic(key string) string {
	return sysPrefix + key
}

// ValidateTopic checks topic against the (human|sys):<key> grammar.
func ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return ErrInvalidTopic
	}

	return nil
}

// IsHumanTopic reports whether topic claims the human namespace.
func IsHumanTopic(topic string) bool {
	return strings.HasPrefix(topic, humanPrefix)
}

// PromptKey is the durable event slot holding the prompt of a gate.
func PromptKey(gateKey string) string {
	return "ui:" + gateKey
}

// ResultKey is the durable event slot holding the terminal result of a gate.
func ResultKey(gateKey string) string {
	return "ui:" + gateKey + ":result"
}

// DecisionKey is the durable event slot holding the approval decision of a gate.
func DecisionKey(gateKey string) string {
	return "decision:" + gateKey
}

// AuditKey is the durable event slot holding the audit entry of a gate.
func AuditKey(gateKey string) string {
	return "ui:" + gateKey + ":audit"
}

// EscalationID is the workflow id of the escalation enqueued when a gate times out.
func EscalationID(workflowID, gateKey string) string {
	return "esc:" + workflowID + ":" + gateKey
}

// EscalationKey is the durable event slot the escalation workflow records its notification in.
func EscalationKey(gateKey string) string {
	return "escalation:" + gateKey
}
