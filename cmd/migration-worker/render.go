package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/db"
)

const dateLayout = "2006-01-02 15:04"

func printStats(w io.Writer, st migration.Stats) {
	fmt.Fprintf(w, "%-16s %10s %10s %10s\n", "", "IMAGES", "PDFS", "TOTAL")
	fmt.Fprintf(w, "%-16s %10d %10d %10d\n", "migrated", st.MigratedImages, st.MigratedPDFs, st.Migrated())
	fmt.Fprintf(w, "%-16s %10d %10d %10d\n", "pending", st.PendingImages, st.PendingPDFs, st.Pending())
	fmt.Fprintf(w, "%-16s %10d %10d %10d\n", "total",
		st.MigratedImages+st.PendingImages, st.MigratedPDFs+st.PendingPDFs, st.Migrated()+st.Pending())
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(dateLayout)
}

func printReport(w io.Writer, r *migration.ValidationReport) {
	fmt.Fprintf(w, "Patient %d\n", r.PatientID)
	fmt.Fprintf(w, "  source rows:   %d (%d unique)\n", r.SourceRows, r.UniqueSource)
	if r.Integrity == migration.IntegrityNoSource {
		fmt.Fprintln(w, "  no source rows for this patient")
		return
	}

	if len(r.Duplicates) > 0 {
		ids := make([]string, 0, len(r.Duplicates))
		for id := range r.Duplicates {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%s x%d", id, r.Duplicates[id])
		}
		fmt.Fprintf(w, "  duplicates:    %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "  ledgered:      %d\n", r.Ledgered)
	fmt.Fprintf(w, "  pending:       %d", len(r.Pending))
	if len(r.Pending) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(r.Pending, ", "))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w)
	for _, v := range r.Visits {
		fmt.Fprintf(w, "  visit %d  %s\n", v.ID, formatDate(v.Date))
		for _, inv := range v.Invoices {
			fmt.Fprintf(w, "    invoice %d  procedure %s\n", inv.ID, inv.ProcedureCode)
			for _, rep := range inv.Reports {
				fmt.Fprintf(w, "      report %d\n", rep.ID)
				for _, it := range rep.Items {
					fmt.Fprintf(w, "        %s %d  %s  %s\n", it.Kind, it.ID, it.Name, formatDate(it.Date))
				}
			}
		}
	}
	if len(r.Visits) == 0 {
		fmt.Fprintln(w, "  no migrated visits")
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  destination:   %d images, %d pdfs\n", r.Images, r.PDFs)
	switch r.Integrity {
	case migration.IntegrityConfirmed:
		fmt.Fprintln(w, "  integrity:     confirmed")
	case migration.IntegrityDataLoss:
		fmt.Fprintf(w, "  integrity:     DATA LOSS, %d item(s) missing\n", r.Difference)
	case migration.IntegrityExtra:
		fmt.Fprintf(w, "  integrity:     %d extra item(s) in destination\n", r.Difference)
	}
}
