// Package hostname parses ASG hostname metadata and expands hostname patterns.
package hostname

import (
	"errors"
	"fmt"
	"strings"
)

// Token is a placeholder recognised inside a hostname pattern.
type Token string

const (
	TokenInstanceID    Token = "instanceid"
	TokenInstanceCount Token = "instance-count"
	TokenInstanceIndex Token = "instance-index"
)

// TokenPrefix marks a token inside a pattern, as in "web-#instanceid.example.com".
const TokenPrefix = "#"

var (
	// ErrNoToken means the pattern contains none of the recognised tokens.
	ErrNoToken = errors.New("hostname pattern must contain one of: instanceid, instance-count, instance-index")
	// ErrMalformedTag means the tag value is not "<pattern>@<zone id>".
	ErrMalformedTag = errors.New("malformed hostname tag value")
)

// Tokens lists the recognised tokens in precedence order.
func Tokens() []Token {
	return []Token{TokenInstanceCount, TokenInstanceIndex, TokenInstanceID}
}

// Metadata is the hostname pattern and hosted zone read from an ASG tag.
type Metadata struct {
	Pattern string
	ZoneID  string
}

// ParseTag splits a tag value of the form "<pattern>@<zone id>".
func ParseTag(value string) (Metadata, error) {
	parts := strings.Split(value, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Metadata{}, fmt.Errorf("%w: %q", ErrMalformedTag, value)
	}
	return Metadata{Pattern: parts[0], ZoneID: parts[1]}, nil
}

// Select returns the token a pattern is expanded with.
// instance-count wins over instance-index, instanceid is the fallback.
func Select(pattern string) (Token, error) {
	for _, tok := range Tokens() {
		if strings.Contains(pattern, string(tok)) {
			return tok, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoToken, pattern)
}

// Expand substitutes value for tok in pattern. The "#"-prefixed form is
// replaced when present, the bare token otherwise.
func Expand(pattern string, tok Token, value string) string {
	marked := TokenPrefix + string(tok)
	if strings.Contains(pattern, marked) {
		return strings.ReplaceAll(pattern, marked, value)
	}
	return strings.ReplaceAll(pattern, string(tok), value)
}

// NameTag returns the first label of a hostname.
func NameTag(hostname string) string {
	label, _, _ := strings.Cut(hostname, ".")
	return label
}
