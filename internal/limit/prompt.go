package limit

import "strings"

// PromptAlphabet is the 38-character cycle test prompts are built from.
// Alphanumerics plus space only, so the payload never needs JSON escaping and
// the measured limit reflects raw character count.
const PromptAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789 "

// GeneratePrompt returns a deterministic string of exactly length characters,
// built by repeating PromptAlphabet and truncating the final repetition.
func GeneratePrompt(length int) string {
	if length <= 0 {
		return ""
	}
	repeat := length / len(PromptAlphabet)
	remainder := length % len(PromptAlphabet)
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < repeat; i++ {
		b.WriteString(PromptAlphabet)
	}
	b.WriteString(PromptAlphabet[:remainder])
	return b.String()
}
