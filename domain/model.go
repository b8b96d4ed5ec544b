// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// TrainingSourceAll trains on every labeled message regardless of provenance.
const TrainingSourceAll = "all"

type CategoryMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

type Evaluation struct {
	Version   string                       `json:"version"`
	Source    string                       `json:"source"`
	TrainSize int                          `json:"train_size"`
	TestSize  int                          `json:"test_size"`
	Accuracy  float64                      `json:"accuracy"`
	Report    map[Category]CategoryMetrics `json:"report"`
	TrainedAt time.Time                    `json:"timestamp"`
}

// ModelArtifact is the persisted local classifier. Only one is current at a time.
type ModelArtifact struct {
	Evaluation
	Blob []byte
}

// TrainingRow is one labeled example pulled from stored messages.
type TrainingRow struct {
	SenderName    string
	SenderAddress string
	Subject       string
	Category      Category
}
