// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package parity verifies exported attention graphs against the in-memory
// reference implementation over randomized trials.
//
// Example:
//
//	report, err := parity.Verify(parity.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.AllClose())
package parity

import (
	"github.com/kiln-ml/kiln/internal/parity"
)

// Config describes a verification run.
type Config = parity.Config

// Case is one input regime trials are drawn under.
type Case = parity.Case

// CaseReport aggregates one case's trials.
type CaseReport = parity.CaseReport

// Report is the outcome of a verification run.
type Report = parity.Report

// DefaultConfig mirrors the GPT-2 base attention layer, 100 trials per case.
func DefaultConfig() Config {
	return parity.DefaultConfig()
}

// CanonicalCases returns the three input regimes every run covers.
func CanonicalCases() []Case {
	return parity.CanonicalCases()
}

// Verify runs the configured trials and reports drift.
func Verify(cfg Config) (*Report, error) {
	return parity.Verify(cfg)
}
