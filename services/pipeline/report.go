package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteJSON renders the summary as indented JSON for machine consumption.
func (summary *RunSummary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// WriteText renders the operator-facing console report.
func (summary *RunSummary) WriteText(w io.Writer) {
	line := strings.Repeat("=", 64)

	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Reconciliation run %s (%s)\n", summary.BatchID, summary.Mode)
	fmt.Fprintf(w, "Started %s, finished %s\n",
		summary.StartedAt.Format("2006-01-02 15:04:05"),
		summary.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w, line)

	fmt.Fprintf(w, "Orders fetched:        %d\n", summary.OrdersFetched)
	fmt.Fprintf(w, "Orders matched:        %d\n", summary.OrdersMatched)
	fmt.Fprintf(w, "Unmatched buyers:      %d\n", summary.Unmatched)
	fmt.Fprintf(w, "Transactions created:  %d (updated %d)\n", summary.TxnCreated, summary.TxnUpdated)
	fmt.Fprintf(w, "Conversions created:   %d (updated %d)\n", summary.ConvCreated, summary.ConvUpdated)
	fmt.Fprintf(w, "Skipped:               %d\n", summary.Skipped)
	fmt.Fprintf(w, "Total commission:      %d\n", summary.TotalCommission)

	if len(summary.PageFailures) > 0 {
		fmt.Fprintf(w, "\nFailed pages (%d):\n", len(summary.PageFailures))
		for _, pf := range summary.PageFailures {
			fmt.Fprintf(w, "  page %d: %s\n", pf.Page, pf.Reason)
		}
	}

	if len(summary.Drifts) > 0 {
		fmt.Fprintf(w, "\nDrift detected (%d affiliates):\n", len(summary.Drifts))
		for _, d := range summary.Drifts {
			fmt.Fprintf(w, "  %s: computed=%d recorded=%d drift=%d state=%s\n",
				d.AffiliateID, d.ComputedTotal, d.RecordedTotal, d.Drift, d.State)
		}
	}

	if len(summary.Anomalies) > 0 {
		fmt.Fprintf(w, "\nAnomalies (%d):\n", len(summary.Anomalies))
		for _, a := range summary.Anomalies {
			fmt.Fprintf(w, "  conversion %s: amount=%d txn=%d proposed=%d (%s)\n",
				a.ConversionID, a.CurrentAmount, a.TransactionAmount, a.ProposedAmount, a.Reason)
		}
	}

	if reasons := summary.skipByReason(); len(reasons) > 0 {
		fmt.Fprintln(w, "\nSkips by reason:")
		for reason, count := range reasons {
			fmt.Fprintf(w, "  %-48s %d\n", reason, count)
		}
	}

	if summary.Err != "" {
		fmt.Fprintf(w, "\nRun terminated early: %s\n", summary.Err)
	}

	fmt.Fprintln(w, line)
}

func (summary *RunSummary) skipByReason() map[string]int {
	if len(summary.SkipRecords) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, rec := range summary.SkipRecords {
		out[rec.Reason]++
	}
	return out
}
