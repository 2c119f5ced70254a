// Package report renders the catalog's process-report export: a
// tab-separated file with a fixed 19-column format (spec.md §6). It is the
// entire interface the external report-export collaborator needs; no
// presentation layer is built around it here.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/gridagent/agent/internal/catalog"
)

var header = []string{
	"Server Instance", "Application", "Current Path", "Last signal to server",
	"User Origin", "Machine Origin", "Path Origin", "Current status",
	"Time submitted by originator", "Time started to process", "Time finished to process",
	"Time received by originator", "Number of attempts to process",
	"Processor User 1", "Processor Machine 1",
	"Processor User 2", "Processor Machine 2",
	"Processor User 3", "Processor Machine 3",
}

const timeLayout = time.RFC3339

// WriteTSV renders cases as the fixed 19-column tab-separated report.
// Sentinel zero timestamps and missing processor slots render as empty
// cells rather than zero values.
func WriteTSV(w io.Writer, cases []catalog.Case) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	cw.UseCRLF = false

	if err := cw.Write(header); err != nil {
		return err
	}
	for _, c := range cases {
		if err := cw.Write(row(c)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(c catalog.Case) []string {
	attempts := c.Processors.Attempts
	return []string{
		c.Instance,
		c.Application,
		c.Path,
		formatTime(c.LastHeartbeat),
		c.Origin.User,
		c.Origin.Machine,
		c.Origin.InputDisplayPath,
		string(c.Status),
		formatTime(&c.Origin.SubmittedAt),
		formatTime(c.Processors.StartedAt),
		formatTime(c.Processors.FinishedAt),
		formatTime(c.Origin.ReceivedAt),
		strconv.Itoa(len(attempts)),
		attemptField(attempts, 0, false),
		attemptField(attempts, 0, true),
		attemptField(attempts, 1, false),
		attemptField(attempts, 1, true),
		attemptField(attempts, 2, false),
		attemptField(attempts, 2, true),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func attemptField(attempts []catalog.Attempt, idx int, machine bool) string {
	if idx >= len(attempts) {
		return ""
	}
	if machine {
		return attempts[idx].Machine
	}
	return attempts[idx].User
}
