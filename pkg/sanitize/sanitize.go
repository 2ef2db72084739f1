package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptRegex  = regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	styleRegex   = regexp.MustCompile(`(?i)<style[^>]*>.*?</style>`)
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// SanitizeHTML removes script blocks, style blocks, and all HTML tags
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	input = htmlTagRegex.ReplaceAllString(input, "")
	return input
}

// SanitizeChatMessage strips markup and control characters from a chat
// message and trims surrounding whitespace. Length enforcement is the
// caller's responsibility; oversized messages must be dropped, not truncated.
func SanitizeChatMessage(input string) string {
	input = SanitizeHTML(input)
	input = StripControlCharacters(input)
	return strings.TrimSpace(input)
}

// StripControlCharacters removes control characters from a string,
// preserving newlines and tabs
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if r == '\n' || r == '\t' {
			result.WriteRune(r)
			continue
		}
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks if string length is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	if len(input) < minLen {
		return false
	}
	if len(input) > maxLen {
		return false
	}
	return true
}

// ValidateWalletAddress checks whether input is a well-formed EVM wallet
// address (0x followed by 40 hex characters)
func ValidateWalletAddress(input string) bool {
	return addressRegex.MatchString(input)
}

// NormalizeWalletAddress lowercases a wallet address for map keys and
// comparisons. Checksum casing is a display concern, not an identity one.
func NormalizeWalletAddress(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}
