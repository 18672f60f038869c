package testutil

import (
	_ "embed"
	"encoding/json"
)

//go:embed testdata/blns.json
var blnsJSON []byte

// NaughtyStrings provides access to the Big List of Naughty Strings (BLNS).
// https://github.com/minimaxir/big-list-of-naughty-strings
//
// Model output is untrusted text, so the normalization and safety scanners
// are run over these to verify they never panic or misparse hostile input.
var NaughtyStrings = loadNaughtyStrings()

type naughtyStringSet struct {
	// All contains the complete BLNS list
	All []string
}

func loadNaughtyStrings() *naughtyStringSet {
	var all []string
	if err := json.Unmarshal(blnsJSON, &all); err != nil {
		// Fallback to minimal set if JSON fails to parse
		return &naughtyStringSet{
			All: []string{"", "null", "undefined", "'", "\"", "<script>", "../"},
		}
	}

	return &naughtyStringSet{All: all}
}
