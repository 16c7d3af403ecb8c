// Package anomaly flags statistically anomalous logins per user with an
// isolation forest over geographic and text-presence features.
package anomaly

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// tokenPattern keeps word tokens of two or more characters.
var tokenPattern = regexp.MustCompile(`\w\w+`)

// Vectorize fits a binary-presence TF-IDF over the documents and returns one
// dense row per document. The vocabulary is local to this call: column
// meaning is only stable within one scoring pass. Persisting or sharing it
// would change what counts as anomalous.
//
// Term presence is used instead of frequency because the encoded fields (ASN
// organizations, stripped user agents) recur verbatim. Rows are weighted by
// smoothed inverse document frequency and L2-normalized.
func Vectorize(docs []string) [][]float64 {
	n := len(docs)
	termSets := make([]map[string]bool, n)
	df := make(map[string]int)

	for i, doc := range docs {
		terms := make(map[string]bool)
		for _, tok := range tokenPattern.FindAllString(strings.ToLower(doc), -1) {
			terms[tok] = true
		}
		termSets[i] = terms
		for term := range terms {
			df[term]++
		}
	}

	vocab := make([]string, 0, len(df))
	for term := range df {
		vocab = append(vocab, term)
	}
	sort.Strings(vocab)

	column := make(map[string]int, len(vocab))
	idf := make([]float64, len(vocab))
	for col, term := range vocab {
		column[term] = col
		idf[col] = math.Log(float64(1+n)/float64(1+df[term])) + 1
	}

	rows := make([][]float64, n)
	for i, terms := range termSets {
		row := make([]float64, len(vocab))
		var norm float64
		for term := range terms {
			col := column[term]
			row[col] = idf[col]
			norm += idf[col] * idf[col]
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for col := range row {
				row[col] /= norm
			}
		}
		rows[i] = row
	}
	return rows
}
