package transcript

import (
	"strings"
	"unicode"
)

// EncodeProjectDir derives the transcript directory name for a working
// directory. The encoding is deterministic and lossy: colons and both path
// separator styles become dashes.
func EncodeProjectDir(cwd string) string {
	r := strings.NewReplacer(":", "-", "/", "-", "\\", "-")
	return r.Replace(cwd)
}

// ProjectDirCandidates returns the encoded directory names to try for a
// working directory. On platforms where the drive letter's case may differ
// between what was recorded and what the caller passes, both case variants
// are tried.
func ProjectDirCandidates(cwd string) []string {
	encoded := EncodeProjectDir(cwd)
	candidates := []string{encoded}

	if len(encoded) > 1 && encoded[1] == '-' {
		first := rune(encoded[0])
		var flipped rune
		switch {
		case unicode.IsUpper(first):
			flipped = unicode.ToLower(first)
		case unicode.IsLower(first):
			flipped = unicode.ToUpper(first)
		default:
			return candidates
		}
		candidates = append(candidates, string(flipped)+encoded[1:])
	}

	return candidates
}
