package migration

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Item kinds in the destination hierarchy.
const (
	KindImage = "IMG"
	KindPDF   = "PDF"
)

// SourceRow is a source row of a patient regardless of ledger state.
type SourceRow struct {
	OriginID  string
	Extension *string
	Taken     *time.Time
}

// HierarchyRow is one attachment or PDF with its ancestors.
type HierarchyRow struct {
	VisitID       int64
	VisitDate     *time.Time
	InvoiceID     int64
	ProcedureCode *string
	ReportID      int64
	Kind          string
	ItemID        int64
	Name          string
	ItemDate      *time.Time
}

// ValidationReader reads what Validate compares.
type ValidationReader interface {
	SourceRows(ctx context.Context, patientCode string) ([]SourceRow, error)
	LedgeredAmong(ctx context.Context, originIDs []string) ([]string, error)
	Hierarchy(ctx context.Context, patientID int64) ([]HierarchyRow, error)
}

// Integrity is the verdict of comparing unique source rows with the
// destination tree.
type Integrity string

const (
	IntegrityNoSource  Integrity = "no-source"
	IntegrityConfirmed Integrity = "confirmed"
	IntegrityDataLoss  Integrity = "data-loss"
	IntegrityExtra     Integrity = "extra-items"
)

type ItemNode struct {
	Kind string     `json:"kind"`
	ID   int64      `json:"id"`
	Name string     `json:"name"`
	Date *time.Time `json:"date,omitempty"`
}

type ReportNode struct {
	ID    int64      `json:"id"`
	Items []ItemNode `json:"items"`
}

type InvoiceNode struct {
	ID            int64        `json:"id"`
	ProcedureCode string       `json:"procedure_code"`
	Reports       []ReportNode `json:"reports"`
}

type VisitNode struct {
	ID       int64         `json:"id"`
	Date     *time.Time    `json:"date,omitempty"`
	Invoices []InvoiceNode `json:"invoices"`
}

// ValidationReport summarises the migration state of one patient.
type ValidationReport struct {
	PatientID    int64          `json:"patient_id"`
	SourceRows   int            `json:"source_rows"`
	UniqueSource int            `json:"unique_source"`
	Duplicates   map[string]int `json:"duplicates,omitempty"`
	Ledgered     int            `json:"ledgered"`
	Pending      []string       `json:"pending,omitempty"`
	Visits       []VisitNode    `json:"visits"`
	Images       int            `json:"images"`
	PDFs         int            `json:"pdfs"`
	Integrity    Integrity      `json:"integrity"`
	Difference   int            `json:"difference"`
}

// Validate compares a patient's source rows, the ledger and the destination
// hierarchy. The verdict ignores the ledger: only unique source rows and
// destination items are compared.
func Validate(ctx context.Context, r ValidationReader, patientID int64) (*ValidationReport, error) {
	rep := &ValidationReport{PatientID: patientID}

	rows, err := r.SourceRows(ctx, strconv.FormatInt(patientID, 10))
	if err != nil {
		return nil, fmt.Errorf("read source rows: %w", err)
	}
	rep.SourceRows = len(rows)
	if len(rows) == 0 {
		rep.Integrity = IntegrityNoSource
		return rep, nil
	}

	counts := make(map[string]int, len(rows))
	var ids []string
	for _, row := range rows {
		if counts[row.OriginID] == 0 {
			ids = append(ids, row.OriginID)
		}
		counts[row.OriginID]++
	}
	rep.UniqueSource = len(ids)
	for id, n := range counts {
		if n > 1 {
			if rep.Duplicates == nil {
				rep.Duplicates = make(map[string]int)
			}
			rep.Duplicates[id] = n
		}
	}

	ledgered, err := r.LedgeredAmong(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	done := make(map[string]struct{}, len(ledgered))
	for _, id := range ledgered {
		done[id] = struct{}{}
	}
	rep.Ledgered = len(done)
	for _, id := range ids {
		if _, ok := done[id]; !ok {
			rep.Pending = append(rep.Pending, id)
		}
	}
	sort.Strings(rep.Pending)

	tree, err := r.Hierarchy(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("read hierarchy: %w", err)
	}
	rep.Visits = buildTree(tree)
	for _, row := range tree {
		if row.Kind == KindImage {
			rep.Images++
		} else {
			rep.PDFs++
		}
	}

	dest := rep.Images + rep.PDFs
	switch {
	case dest == rep.UniqueSource:
		rep.Integrity = IntegrityConfirmed
	case dest < rep.UniqueSource:
		rep.Integrity = IntegrityDataLoss
		rep.Difference = rep.UniqueSource - dest
	default:
		rep.Integrity = IntegrityExtra
		rep.Difference = dest - rep.UniqueSource
	}
	return rep, nil
}

// buildTree nests rows into visits, invoices and reports, keeping the
// order in which each node first appears.
func buildTree(rows []HierarchyRow) []VisitNode {
	var visits []VisitNode
	visitIdx := map[int64]int{}
	type invKey struct{ visit, invoice int64 }
	invIdx := map[invKey]int{}
	type repKey struct{ visit, invoice, report int64 }
	repIdx := map[repKey]int{}

	for _, row := range rows {
		vi, ok := visitIdx[row.VisitID]
		if !ok {
			vi = len(visits)
			visitIdx[row.VisitID] = vi
			visits = append(visits, VisitNode{ID: row.VisitID, Date: row.VisitDate})
		}
		v := &visits[vi]

		ik := invKey{row.VisitID, row.InvoiceID}
		ii, ok := invIdx[ik]
		if !ok {
			ii = len(v.Invoices)
			invIdx[ik] = ii
			proc := ""
			if row.ProcedureCode != nil {
				proc = *row.ProcedureCode
			}
			v.Invoices = append(v.Invoices, InvoiceNode{ID: row.InvoiceID, ProcedureCode: proc})
		}
		inv := &v.Invoices[ii]

		rk := repKey{row.VisitID, row.InvoiceID, row.ReportID}
		ri, ok := repIdx[rk]
		if !ok {
			ri = len(inv.Reports)
			repIdx[rk] = ri
			inv.Reports = append(inv.Reports, ReportNode{ID: row.ReportID})
		}
		r := &inv.Reports[ri]
		r.Items = append(r.Items, ItemNode{Kind: row.Kind, ID: row.ItemID, Name: row.Name, Date: row.ItemDate})
	}
	return visits
}
