package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeHTML(t *testing.T) {
	input := `<script>alert("xss")</script>Hello <b>world</b>`
	result := SanitizeHTML(input)

	assert.NotContains(t, result, "<script>")
	assert.NotContains(t, result, "<b>")
	assert.Contains(t, result, "Hello")
	assert.Contains(t, result, "world")
}

func TestSanitizeHTML_StyleBlock(t *testing.T) {
	input := `<style>body{display:none}</style>text`
	result := SanitizeHTML(input)

	assert.NotContains(t, result, "display:none")
	assert.Contains(t, result, "text")
}

func TestSanitizeChatMessage(t *testing.T) {
	input := "  <img src=x onerror=alert(1)>hi there  "
	result := SanitizeChatMessage(input)

	assert.NotContains(t, result, "<img")
	assert.Contains(t, result, "hi there")
}

func TestStripControlCharacters(t *testing.T) {
	input := "line1\nline2\ttabbed\x00\x07end"
	result := StripControlCharacters(input)

	assert.Contains(t, result, "\n")
	assert.Contains(t, result, "\t")
	assert.NotContains(t, result, "\x00")
	assert.NotContains(t, result, "\x07")
}

func TestValidateStringLength(t *testing.T) {
	assert.True(t, ValidateStringLength("hello", 1, 10))
	assert.True(t, ValidateStringLength("hello", 5, 5))
	assert.False(t, ValidateStringLength("hello!", 1, 5))
	assert.False(t, ValidateStringLength("", 1, 5))
}

func TestValidateWalletAddress(t *testing.T) {
	assert.True(t, ValidateWalletAddress("0xAb5801a7D398351b8bE11C439e05C5b3259aec9B"))
	assert.True(t, ValidateWalletAddress("0x0000000000000000000000000000000000000000"))

	assert.False(t, ValidateWalletAddress(""))
	assert.False(t, ValidateWalletAddress("0x123"))
	assert.False(t, ValidateWalletAddress("Ab5801a7D398351b8bE11C439e05C5b3259aec9B"))
	assert.False(t, ValidateWalletAddress("0xZZ5801a7D398351b8bE11C439e05C5b3259aec9B"))
}

func TestNormalizeWalletAddress(t *testing.T) {
	assert.Equal(t,
		"0xab5801a7d398351b8be11c439e05c5b3259aec9b",
		NormalizeWalletAddress(" 0xAb5801a7D398351b8bE11C439e05C5b3259aec9B "))
}
