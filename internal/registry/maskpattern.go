package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// MaskPattern is a validated partial-mask template. Literal characters pass
// through; {firstN} and {lastN} tokens substitute the first/last N characters
// of the true value. Example: "***-**-{last4}" over "123-45-6789" renders
// "***-**-6789". Patterns are parsed at config-load time so a bad template is
// caught before any record is masked.
type MaskPattern struct {
	raw    string
	pieces []maskPiece
}

type maskPiece struct {
	literal string
	first   int
	last    int
}

// ParseMaskPattern validates and compiles a partial-mask template.
func ParseMaskPattern(raw string) (MaskPattern, error) {
	if strings.TrimSpace(raw) == "" {
		return MaskPattern{}, fmt.Errorf("registry: empty mask pattern")
	}
	var pieces []maskPiece
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			pieces = append(pieces, maskPiece{literal: rest})
			break
		}
		if open > 0 {
			pieces = append(pieces, maskPiece{literal: rest[:open]})
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return MaskPattern{}, fmt.Errorf("registry: mask pattern %q: unterminated token", raw)
		}
		token := rest[open+1 : open+closeIdx]
		piece, err := parseMaskToken(raw, token)
		if err != nil {
			return MaskPattern{}, err
		}
		pieces = append(pieces, piece)
		rest = rest[open+closeIdx+1:]
	}
	return MaskPattern{raw: raw, pieces: pieces}, nil
}

func parseMaskToken(pattern, token string) (maskPiece, error) {
	var numeric string
	var isFirst bool
	switch {
	case strings.HasPrefix(token, "first"):
		numeric, isFirst = strings.TrimPrefix(token, "first"), true
	case strings.HasPrefix(token, "last"):
		numeric = strings.TrimPrefix(token, "last")
	default:
		return maskPiece{}, fmt.Errorf("registry: mask pattern %q: unknown token {%s}", pattern, token)
	}
	n, err := strconv.Atoi(numeric)
	if err != nil || n <= 0 {
		return maskPiece{}, fmt.Errorf("registry: mask pattern %q: token {%s} needs a positive count", pattern, token)
	}
	if isFirst {
		return maskPiece{first: n}, nil
	}
	return maskPiece{last: n}, nil
}

// Apply renders the pattern over the true value. Deterministic: the same
// value always yields the same masked output.
func (p MaskPattern) Apply(value string) string {
	if len(p.pieces) == 0 {
		return value
	}
	runes := []rune(value)
	var b strings.Builder
	for _, piece := range p.pieces {
		switch {
		case piece.literal != "":
			b.WriteString(piece.literal)
		case piece.first > 0:
			n := piece.first
			if n > len(runes) {
				n = len(runes)
			}
			b.WriteString(string(runes[:n]))
		case piece.last > 0:
			n := piece.last
			if n > len(runes) {
				n = len(runes)
			}
			b.WriteString(string(runes[len(runes)-n:]))
		}
	}
	return b.String()
}

// IsZero reports whether the pattern was never parsed.
func (p MaskPattern) IsZero() bool {
	return p.raw == ""
}

// String returns the original template.
func (p MaskPattern) String() string {
	return p.raw
}
