// SPDX-License-Identifier: GPL-3.0-or-later
package localmodel

import (
	"github.com/CrawX/go-mail-triage/domain"
)

// Evaluate scores p on a held-out set. The report covers every class that occurs
// as a true or a predicted label. An empty set has accuracy 0 and an empty report.
func Evaluate(p *Pipeline, docs []string, labels []domain.Category) (float64, map[domain.Category]domain.CategoryMetrics) {
	report := map[domain.Category]domain.CategoryMetrics{}
	if len(docs) == 0 {
		return 0, report
	}

	truePositive := map[domain.Category]int{}
	predicted := map[domain.Category]int{}
	support := map[domain.Category]int{}
	correct := 0
	for i, doc := range docs {
		guess, _ := p.Predict(doc)
		predicted[guess]++
		support[labels[i]]++
		if guess == labels[i] {
			truePositive[guess]++
			correct++
		}
	}

	classes := map[domain.Category]bool{}
	for c := range predicted {
		classes[c] = true
	}
	for c := range support {
		classes[c] = true
	}

	for c := range classes {
		m := domain.CategoryMetrics{Support: support[c]}
		if predicted[c] > 0 {
			m.Precision = float64(truePositive[c]) / float64(predicted[c])
		}
		if support[c] > 0 {
			m.Recall = float64(truePositive[c]) / float64(support[c])
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		report[c] = m
	}

	return float64(correct) / float64(len(docs)), report
}
