// Package wordid generates human-readable host identifiers by concatenating
// randomly chosen dictionary words, e.g. "FalconTimberYolk".
package wordid

import (
	"crypto/rand"
	_ "embed"
	"math/big"
	"strings"
)

// DefaultWordCount is the number of words per identifier when none is
// configured.
const DefaultWordCount = 3

//go:embed wordlist.txt
var wordlistData string

var words = loadWords(wordlistData)

func loadWords(data string) []string {
	lines := strings.Split(data, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Words returns the dictionary size. Each word contributes log2(Words())
// bits of entropy to an identifier.
func Words() int {
	return len(words)
}

// New returns an identifier made of wordCount words drawn uniformly from the
// embedded dictionary. wordCount <= 0 uses DefaultWordCount.
func New(wordCount int) string {
	if wordCount <= 0 {
		wordCount = DefaultWordCount
	}

	var b strings.Builder
	limit := big.NewInt(int64(len(words)))
	for i := 0; i < wordCount; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic("wordid: reading random source: " + err.Error())
		}
		b.WriteString(words[n.Int64()])
	}
	return b.String()
}

// Generator produces identifiers with a fixed word count.
type Generator struct {
	WordCount int
}

// NewGenerator returns a Generator for wordCount words per identifier.
func NewGenerator(wordCount int) *Generator {
	if wordCount <= 0 {
		wordCount = DefaultWordCount
	}
	return &Generator{WordCount: wordCount}
}

// New returns a fresh identifier. The method value g.New can be used
// wherever a func() string id source is expected.
func (g *Generator) New() string {
	return New(g.WordCount)
}
