// SPDX-License-Identifier: GPL-3.0-or-later
package triage

import "fmt"

const (
	DefaultConfidenceThreshold = 80
	DefaultBatchSize           = 40
	DefaultRemoteBatchSize     = 40
	DefaultMinRemoteBatch      = 1
	DefaultLookupConcurrency   = 8
)

type configuration struct {
	ConfidenceThreshold int
	BatchSize           int
	RemoteBatchSize     int
	MinRemoteBatch      int
	LookupConcurrency   int
}

func defaultConfiguration() *configuration {
	return &configuration{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		BatchSize:           DefaultBatchSize,
		RemoteBatchSize:     DefaultRemoteBatchSize,
		MinRemoteBatch:      DefaultMinRemoteBatch,
		LookupConcurrency:   DefaultLookupConcurrency,
	}
}

type ConfigFunc func(c *configuration) error

// ConfidenceThreshold is the minimum local model confidence, in percent, for a
// local prediction to be accepted.
func ConfidenceThreshold(threshold int) ConfigFunc {
	return func(c *configuration) error {
		if threshold < 0 || threshold > 100 {
			return fmt.Errorf("ConfidenceThreshold must be between 0 and 100, got %d", threshold)
		}
		c.ConfidenceThreshold = threshold
		return nil
	}
}

func BatchSize(size int) ConfigFunc {
	return func(c *configuration) error {
		if size <= 0 {
			return fmt.Errorf("BatchSize must be positive, got %d", size)
		}
		c.BatchSize = size
		return nil
	}
}

func RemoteBatchSize(size int) ConfigFunc {
	return func(c *configuration) error {
		if size <= 0 {
			return fmt.Errorf("RemoteBatchSize must be positive, got %d", size)
		}
		c.RemoteBatchSize = size
		return nil
	}
}

// MinRemoteBatch defers the remote call until at least size messages are pending.
func MinRemoteBatch(size int) ConfigFunc {
	return func(c *configuration) error {
		if size < 1 {
			return fmt.Errorf("MinRemoteBatch must be at least 1, got %d", size)
		}
		c.MinRemoteBatch = size
		return nil
	}
}

// LookupConcurrency bounds the number of messages decided in parallel.
func LookupConcurrency(n int) ConfigFunc {
	return func(c *configuration) error {
		if n <= 0 {
			return fmt.Errorf("LookupConcurrency must be positive, got %d", n)
		}
		c.LookupConcurrency = n
		return nil
	}
}
