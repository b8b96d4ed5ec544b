// SPDX-License-Identifier: GPL-3.0-or-later
package localmodel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/CrawX/go-mail-triage/domain"

	"github.com/goccy/go-json"
)

const smoothingAlpha = 1.0

// Pipeline is a tf-idf vectorizer followed by a multinomial naive Bayes
// classifier. It is the serialized form of the local model.
type Pipeline struct {
	Vocabulary     map[string]int    `json:"vocabulary"`
	IDF            []float64         `json:"idf"`
	Classes        []domain.Category `json:"classes"`
	ClassLogPrior  []float64         `json:"class_log_prior"`
	FeatureLogProb [][]float64       `json:"feature_log_prob"`
}

// Fit trains a pipeline on documents and their labels.
func Fit(docs []string, labels []domain.Category) (*Pipeline, error) {
	if len(docs) == 0 {
		return nil, errors.New("no training documents")
	}
	if len(docs) != len(labels) {
		return nil, fmt.Errorf("got %d documents but %d labels", len(docs), len(labels))
	}

	tokenized := make([][]string, len(docs))
	terms := map[string]bool{}
	for i, d := range docs {
		tokenized[i] = Tokenize(d)
		for _, t := range tokenized[i] {
			terms[t] = true
		}
	}

	sortedTerms := make([]string, 0, len(terms))
	for t := range terms {
		sortedTerms = append(sortedTerms, t)
	}
	sort.Strings(sortedTerms)

	p := &Pipeline{Vocabulary: make(map[string]int, len(sortedTerms))}
	for i, t := range sortedTerms {
		p.Vocabulary[t] = i
	}

	df := make([]float64, len(sortedTerms))
	for _, tokens := range tokenized {
		seen := map[int]bool{}
		for _, t := range tokens {
			j := p.Vocabulary[t]
			if !seen[j] {
				seen[j] = true
				df[j]++
			}
		}
	}
	n := float64(len(docs))
	p.IDF = make([]float64, len(sortedTerms))
	for j := range df {
		p.IDF[j] = math.Log((1+n)/(1+df[j])) + 1
	}

	classIndex := map[domain.Category]int{}
	for _, l := range labels {
		if _, ok := classIndex[l]; !ok {
			classIndex[l] = 0
			p.Classes = append(p.Classes, l)
		}
	}
	sort.Slice(p.Classes, func(a, b int) bool { return p.Classes[a] < p.Classes[b] })
	for i, c := range p.Classes {
		classIndex[c] = i
	}

	classCount := make([]float64, len(p.Classes))
	featureCount := make([][]float64, len(p.Classes))
	for i := range featureCount {
		featureCount[i] = make([]float64, len(sortedTerms))
	}
	for i, tokens := range tokenized {
		c := classIndex[labels[i]]
		classCount[c]++
		for j, v := range p.transformTokens(tokens) {
			featureCount[c][j] += v
		}
	}

	p.ClassLogPrior = make([]float64, len(p.Classes))
	p.FeatureLogProb = make([][]float64, len(p.Classes))
	for c := range p.Classes {
		p.ClassLogPrior[c] = math.Log(classCount[c] / n)

		total := 0.0
		for _, v := range featureCount[c] {
			total += v
		}
		denominator := math.Log(total + smoothingAlpha*float64(len(sortedTerms)))
		p.FeatureLogProb[c] = make([]float64, len(sortedTerms))
		for j, v := range featureCount[c] {
			p.FeatureLogProb[c][j] = math.Log(v+smoothingAlpha) - denominator
		}
	}

	return p, nil
}

// transformTokens returns the sparse L2 normalized tf-idf vector of tokens.
// Unknown terms are ignored.
func (p *Pipeline) transformTokens(tokens []string) map[int]float64 {
	vec := map[int]float64{}
	for _, t := range tokens {
		if j, ok := p.Vocabulary[t]; ok {
			vec[j]++
		}
	}
	norm := 0.0
	for j, tf := range vec {
		vec[j] = tf * p.IDF[j]
		norm += vec[j] * vec[j]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for j := range vec {
			vec[j] /= norm
		}
	}
	return vec
}

// PredictProba returns the class probabilities of doc, in the order of Classes.
func (p *Pipeline) PredictProba(doc string) []float64 {
	vec := p.transformTokens(Tokenize(doc))

	jll := make([]float64, len(p.Classes))
	maxJll := math.Inf(-1)
	for c := range p.Classes {
		jll[c] = p.ClassLogPrior[c]
		for j, v := range vec {
			jll[c] += v * p.FeatureLogProb[c][j]
		}
		if jll[c] > maxJll {
			maxJll = jll[c]
		}
	}

	sum := 0.0
	proba := make([]float64, len(jll))
	for c, v := range jll {
		proba[c] = math.Exp(v - maxJll)
		sum += proba[c]
	}
	for c := range proba {
		proba[c] /= sum
	}
	return proba
}

// Predict returns the most probable class of doc and its probability.
func (p *Pipeline) Predict(doc string) (domain.Category, float64) {
	proba := p.PredictProba(doc)
	best := 0
	for c := range proba {
		if proba[c] > proba[best] {
			best = c
		}
	}
	return p.Classes[best], proba[best]
}

func (p *Pipeline) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalPipeline(blob []byte) (*Pipeline, error) {
	p := &Pipeline{}
	err := json.Unmarshal(blob, p)
	if err != nil {
		return nil, fmt.Errorf("could not decode pipeline: %w", err)
	}
	if len(p.Classes) == 0 || len(p.Classes) != len(p.ClassLogPrior) || len(p.Classes) != len(p.FeatureLogProb) {
		return nil, errors.New("could not decode pipeline: inconsistent class tables")
	}
	for c := range p.FeatureLogProb {
		if len(p.FeatureLogProb[c]) != len(p.IDF) {
			return nil, errors.New("could not decode pipeline: inconsistent feature tables")
		}
	}
	for t, j := range p.Vocabulary {
		if j < 0 || j >= len(p.IDF) {
			return nil, fmt.Errorf("could not decode pipeline: term %q out of range", t)
		}
	}
	return p, nil
}
