// File: internal/syncer/runid.go

// Package syncer orchestrates project syncs: fetch Slack activity, summarize
// it, write the summary to its Notion and Slack destinations, and record the
// run in the idempotency ledger.
package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

// ComputeRunID derives the deterministic identity of one project sync: the
// same project, parameters, and calendar day always hash to the same id, so
// a re-run of a completed day is detected and skipped. The hash input is a
// fixed-order field list, not a serialized struct, so adding config fields
// later does not silently change existing ids.
func ComputeRunID(project config.ProjectConfig, day time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "project=%s\n", project.Name)
	fmt.Fprintf(h, "channel=%s\n", project.SlackChannel)
	fmt.Fprintf(h, "query=%s\n", project.Query)
	fmt.Fprintf(h, "since=%s\n", project.Since)
	fmt.Fprintf(h, "day=%s\n", day.UTC().Format("2006-01-02"))
	return hex.EncodeToString(h.Sum(nil))
}

// RunMarker is the short prefix of a run id embedded in written artifacts so
// write-back verification can find them.
func RunMarker(runID string) string {
	if len(runID) > 12 {
		runID = runID[:12]
	}
	return "run:" + runID
}
