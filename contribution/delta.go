package contribution

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// AcceptedTokensDelta returns how many characters of an accepted suggestion
// survive unchanged in its current text. It sums the equal segments of a
// character diff, so "foo" -> "fou" keeps 2 and "helloworld" -> "HelloWorld"
// keeps 8.
//
// diff-match-patch splits on common substrings before running Myers, so for
// heavily rearranged text the result can be below the true longest common
// subsequence.
func AcceptedTokensDelta(original, modified string) int {
	if original == "" || modified == "" {
		return 0
	}
	if original == modified {
		return utf8.RuneCountInString(original)
	}

	dmp := diffmatchpatch.New()
	kept := 0
	for _, d := range dmp.DiffMain(original, modified, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			kept += utf8.RuneCountInString(d.Text)
		}
	}
	return kept
}
