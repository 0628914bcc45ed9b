package crewdeck

import (
	"regexp"
	"strings"
)

// Mentions are embedded in message content as @[DisplayName](userId). The
// markup is persisted verbatim and re-parsed for rendering — it is never
// stripped from the stored content.

var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\(([^)]+)\)`)

// TokenKind discriminates mention tokens from plain text.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenMention
)

// Token is one span of message content: either literal text or a mention.
type Token struct {
	Kind        TokenKind
	Text        string // raw span, markup included for mentions
	DisplayName string // mention only
	UserID      string // mention only
}

// ParseMentions extracts the user ids referenced by mention markup, in order
// of appearance, de-duplicated. The result is what gets submitted as the
// mentions list alongside the raw content on send.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := m[2]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// MentionTokens splits content into text and mention tokens for rendering.
// Content with no mention markup yields a single text token.
func MentionTokens(content string) []Token {
	if content == "" {
		return nil
	}
	locs := mentionPattern.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return []Token{{Kind: TokenText, Text: content}}
	}

	var tokens []Token
	last := 0
	for _, loc := range locs {
		if loc[0] > last {
			tokens = append(tokens, Token{Kind: TokenText, Text: content[last:loc[0]]})
		}
		tokens = append(tokens, Token{
			Kind:        TokenMention,
			Text:        content[loc[0]:loc[1]],
			DisplayName: content[loc[2]:loc[3]],
			UserID:      content[loc[4]:loc[5]],
		})
		last = loc[1]
	}
	if last < len(content) {
		tokens = append(tokens, Token{Kind: TokenText, Text: content[last:]})
	}
	return tokens
}

// RenderTokens reassembles tokens into raw content. For any token slice
// produced by MentionTokens this is the identity round trip.
func RenderTokens(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// FormatMention produces the markup for one mention, for composers that
// insert mentions programmatically.
func FormatMention(displayName, userID string) string {
	return "@[" + displayName + "](" + userID + ")"
}
