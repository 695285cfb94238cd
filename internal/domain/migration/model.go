package migration

import (
	"fmt"
	"time"
)

// AllowedExtensions are the source file types the worker migrates.
var AllowedExtensions = []string{"jpg", "jpeg", "png", "bmp", "pdf"}

const (
	// DefaultExtension replaces a NULL source extension.
	DefaultExtension = "jpg"
	// DefaultProcedureName is used when the procedure code has no registered name.
	DefaultProcedureName = "PROCEDIMENTO IMPORTADO"
)

// MinDay is the grouping day of items without a timestamp. All undated
// items of one procedure code therefore share a single group.
var MinDay = Day{Year: 1, Month: time.January, Day: 1}

// Day is a calendar date without time of day or location.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// SourceItem is one pending legacy image or PDF (tblmigracao joined with img_rcl).
type SourceItem struct {
	OriginID      string     `db:"id_imagem_origem" json:"origin_id"`
	Blob          []byte     `db:"blob_data" json:"-"`
	Extension     string     `db:"extensao" json:"extension"`
	Timestamp     *time.Time `db:"data_raw" json:"timestamp,omitempty"`
	ProcedureCode string     `db:"cod_proc" json:"procedure_code"`
	ProcedureName string     `db:"nome_proc" json:"procedure_name"`
	PatientID     string     `db:"cod_origem" json:"patient_id"`
}

// HasPayload reports whether the item carries binary content.
func (s *SourceItem) HasPayload() bool {
	return len(s.Blob) > 0
}

// Migratable reports whether the item can become an attachment row. Items
// without payload or timestamp are ledgered and skipped.
func (s *SourceItem) Migratable() bool {
	return s.HasPayload() && s.Timestamp != nil
}

// IsPDF reports whether the item is a PDF rather than an image.
func (s *SourceItem) IsPDF() bool {
	return s.Extension == "pdf"
}

// GroupKey identifies an encounter: one procedure on one calendar day.
type GroupKey struct {
	ProcedureCode string
	Day           Day
}

// KeyOf computes the grouping key of item, ignoring time of day.
func KeyOf(item SourceItem) GroupKey {
	day := MinDay
	if item.Timestamp != nil {
		day = DayOf(*item.Timestamp)
	}
	return GroupKey{ProcedureCode: item.ProcedureCode, Day: day}
}

// EncounterGroup is the unit of insertion: one visit, invoice and report
// covering every item of the group. Header is the first item seen for the
// key and supplies the shared fields.
type EncounterGroup struct {
	Key    GroupKey
	Header SourceItem
	Items  []SourceItem
}

// Stats are the progress counters reported at the start of each cycle.
type Stats struct {
	MigratedImages int64 `json:"migrated_images"`
	MigratedPDFs   int64 `json:"migrated_pdfs"`
	PendingImages  int64 `json:"pending_images"`
	PendingPDFs    int64 `json:"pending_pdfs"`
}

// Migrated is the total of ledgered rows.
func (s Stats) Migrated() int64 { return s.MigratedImages + s.MigratedPDFs }

// Pending is the total of rows still waiting.
func (s Stats) Pending() int64 { return s.PendingImages + s.PendingPDFs }

// Visit maps to tblatendimento.
type Visit struct {
	ID             int64     `db:"intatendimentoid"`
	PatientID      int64     `db:"intclienteid"`
	AttendedAt     time.Time `db:"datatendimento"`
	ProfessionalID int       `db:"intprofissionalid"`
	CompanyID      int       `db:"intempresaid"`
	UserID         int       `db:"intusuarioid"`
	Status         string    `db:"strstatus"`
	Check          string    `db:"bolcheck"`
	VisitTypeID    int       `db:"inttipoatendimentoid"`
}

// Invoice maps to tblfaturaatendimento.
type Invoice struct {
	ID            int64     `db:"intfaturaatendimentoid"`
	PatientID     int64     `db:"intclienteid"`
	VisitID       int64     `db:"intatendimentoid"`
	ProcedureCode string    `db:"strprocedimento"`
	ProcedureName string    `db:"strdescrprocedimento"`
	Quantity      float64   `db:"numquantidade"`
	Amount        float64   `db:"numvalor"`
	CompanyID     int       `db:"intempresaid"`
	UserID        int       `db:"intusuarioid"`
	InvoicedAt    time.Time `db:"datfaturaatendimento"`
	Status        string    `db:"strstatusfat"`
}

// Report maps to tbllaudocliente. Its ID is always the sibling invoice ID.
type Report struct {
	ID            int64     `db:"intlaudoclienteid"`
	PatientID     int64     `db:"intclienteid"`
	VisitID       int64     `db:"intatendimentoid"`
	InvoiceID     int64     `db:"intfaturaatendimentoid"`
	ProcedureCode string    `db:"strcodigoprocedimento"`
	ProcedureName string    `db:"strdescrprocedimento"`
	Status        string    `db:"strstatus"`
	DoctorID      int       `db:"intmedicoid"`
	UserID        int       `db:"intusuarioid"`
	CompanyID     int       `db:"intempresaid"`
	ReportedAt    time.Time `db:"datlaudocliente"`
	ReleasedAt    time.Time `db:"datliberacao"`
}

// Attachment maps to tbllaudoimagem.
type Attachment struct {
	ID            int64     `db:"intlaudoimagemid"`
	FileName      string    `db:"strlaudoimagem"`
	PatientID     int64     `db:"intclienteid"`
	VisitID       int64     `db:"intatendimentoid"`
	InvoiceID     int64     `db:"intfaturaatendimentoid"`
	ReportID      int64     `db:"intlaudoclienteid"`
	ProcedureCode string    `db:"strcodigoprocedimento"`
	ProcedureName string    `db:"strdescrprocedimento"`
	Order         int       `db:"intordem"`
	Terminal      string    `db:"strterminal"`
	Content       []byte    `db:"imgimagem"`
	UserID        int       `db:"intusuarioid"`
	CompanyID     int       `db:"intempresaid"`
	TakenAt       time.Time `db:"datlaudoimagem"`
	Printed       string    `db:"bolimpressao"`
}
