package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Fixed statuses and flags of migrated rows.
const (
	StatusClosed     = "FECHADO"
	StatusSigned     = "ASSINADO"
	FlagChecked      = "T"
	FlagNotPrinted   = "N"
	invoiceQuantity  = 1.0
	invoiceAmount    = 0.0
	attachmentOrder  = 0
	refMonthLayout   = "01/2006"
	fileSuffixLength = 4
)

// WriterDefaults are the constant values stamped on every migrated row.
type WriterDefaults struct {
	UserID         int
	CompanyID      int
	ProfessionalID int
	DoctorID       int
	VisitTypeID    int
	Terminal       string
}

// DefaultWriterDefaults returns the values the legacy system expects.
func DefaultWriterDefaults() WriterDefaults {
	return WriterDefaults{
		UserID:         61,
		CompanyID:      1,
		ProfessionalID: 1,
		DoctorID:       1,
		VisitTypeID:    2,
		Terminal:       "MIGRACAO",
	}
}

// GroupResult describes what WriteGroup did with one encounter group.
type GroupResult struct {
	VisitID   int64
	InvoiceID int64
	Written   int
	Skipped   int
	Abandoned bool
	// Months holds the MM/YYYY of every written attachment, in write order.
	Months []string
}

// Writer inserts the visit, invoice, report and attachment rows of an
// encounter group and ledgers its items.
type Writer struct {
	store    HierarchyStore
	defaults WriterDefaults
	suffix   func() string
}

func NewWriter(store HierarchyStore, defaults WriterDefaults) *Writer {
	return &Writer{store: store, defaults: defaults, suffix: randomSuffix}
}

func randomSuffix() string {
	return uuid.NewString()[:fileSuffixLength]
}

// AttachmentFileName builds "{proc}-{invoiceID}-{suffix}.{ext}".
func AttachmentFileName(procCode string, invoiceID int64, suffix, ext string) string {
	return fmt.Sprintf("%s-%d-%s.%s", procCode, invoiceID, suffix, ext)
}

// WriteGroup writes one group for patientID. When the header has no payload
// or no timestamp the whole group is ledgered without writing any row and
// without allocating keys. Otherwise the visit, invoice and report are
// inserted in that order, the report reusing the invoice key, followed by
// one attachment per migratable item. Every item is ledgered either way.
func (w *Writer) WriteGroup(ctx context.Context, patientID int64, g EncounterGroup, ids *IDAllocator) (GroupResult, error) {
	var res GroupResult

	if !g.Header.Migratable() {
		for _, item := range g.Items {
			if err := w.store.MarkMigrated(ctx, item.OriginID); err != nil {
				return res, err
			}
		}
		res.Abandoned = true
		res.Skipped = len(g.Items)
		return res, nil
	}

	visitID, err := ids.NextPerPatient(ctx, patientID)
	if err != nil {
		return res, err
	}
	invoiceID, err := ids.Next(CounterInvoice)
	if err != nil {
		return res, err
	}
	res.VisitID = visitID
	res.InvoiceID = invoiceID

	h := g.Header
	at := *h.Timestamp

	if err := w.store.InsertVisit(ctx, &Visit{
		ID:             visitID,
		PatientID:      patientID,
		AttendedAt:     at,
		ProfessionalID: w.defaults.ProfessionalID,
		CompanyID:      w.defaults.CompanyID,
		UserID:         w.defaults.UserID,
		Status:         StatusClosed,
		Check:          FlagChecked,
		VisitTypeID:    w.defaults.VisitTypeID,
	}); err != nil {
		return res, err
	}

	if err := w.store.InsertInvoice(ctx, &Invoice{
		ID:            invoiceID,
		PatientID:     patientID,
		VisitID:       visitID,
		ProcedureCode: h.ProcedureCode,
		ProcedureName: h.ProcedureName,
		Quantity:      invoiceQuantity,
		Amount:        invoiceAmount,
		CompanyID:     w.defaults.CompanyID,
		UserID:        w.defaults.UserID,
		InvoicedAt:    at,
		Status:        StatusClosed,
	}); err != nil {
		return res, err
	}

	if err := w.store.InsertReport(ctx, &Report{
		ID:            invoiceID,
		PatientID:     patientID,
		VisitID:       visitID,
		InvoiceID:     invoiceID,
		ProcedureCode: h.ProcedureCode,
		ProcedureName: h.ProcedureName,
		Status:        StatusSigned,
		DoctorID:      w.defaults.DoctorID,
		UserID:        w.defaults.UserID,
		CompanyID:     w.defaults.CompanyID,
		ReportedAt:    at,
		ReleasedAt:    at,
	}); err != nil {
		return res, err
	}

	for _, item := range g.Items {
		if !item.Migratable() {
			if err := w.store.MarkMigrated(ctx, item.OriginID); err != nil {
				return res, err
			}
			res.Skipped++
			continue
		}

		attachmentID, err := ids.Next(CounterAttachment)
		if err != nil {
			return res, err
		}
		if err := w.store.InsertAttachment(ctx, &Attachment{
			ID:            attachmentID,
			FileName:      AttachmentFileName(h.ProcedureCode, invoiceID, w.suffix(), item.Extension),
			PatientID:     patientID,
			VisitID:       visitID,
			InvoiceID:     invoiceID,
			ReportID:      invoiceID,
			ProcedureCode: h.ProcedureCode,
			ProcedureName: h.ProcedureName,
			Order:         attachmentOrder,
			Terminal:      w.defaults.Terminal,
			Content:       item.Blob,
			UserID:        w.defaults.UserID,
			CompanyID:     w.defaults.CompanyID,
			TakenAt:       at,
			Printed:       FlagNotPrinted,
		}); err != nil {
			return res, err
		}
		if err := w.store.MarkMigrated(ctx, item.OriginID); err != nil {
			return res, err
		}
		res.Written++
		res.Months = append(res.Months, item.Timestamp.Format(refMonthLayout))
	}

	return res, nil
}
