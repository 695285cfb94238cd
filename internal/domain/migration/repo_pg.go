package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/migrator/internal/platform/db"
)

// Querier is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// RepoPG reads the legacy source tables and writes the target hierarchy.
// Statements run inside the batch transaction when one is attached to the
// context.
type RepoPG struct {
	q Querier
}

func NewRepo(q Querier) *RepoPG {
	return &RepoPG{q: q}
}

func (r *RepoPG) conn(ctx context.Context) Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.q
}

// counterColumns maps each cached counter to its key column.
var counterColumns = map[Counter]string{
	CounterInvoice:    "intfaturaatendimentoid",
	CounterAttachment: "intlaudoimagemid",
}

const pendingFilter = `m.strextensao = ANY($1)
	AND NOT EXISTS (
		SELECT 1 FROM tbl_controle_migracao c
		WHERE c.strcodigoimagemorigem = m.strcodigo
	)`

const sourceJoin = `tblmigracao m
	JOIN img_rcl i ON m.strcodigo = i.img_rcl_ind::text`

func (r *RepoPG) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE m.strextensao IS DISTINCT FROM 'pdf'),
			COUNT(*) FILTER (WHERE m.strextensao = 'pdf')
		FROM tbl_controle_migracao c
		JOIN tblmigracao m ON c.strcodigoimagemorigem = m.strcodigo`,
	).Scan(&s.MigratedImages, &s.MigratedPDFs)
	if err != nil {
		return Stats{}, fmt.Errorf("count migrated: %w", err)
	}

	err = r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE m.strextensao <> 'pdf'),
			COUNT(*) FILTER (WHERE m.strextensao = 'pdf')
		FROM tblmigracao m
		WHERE `+pendingFilter,
		AllowedExtensions,
	).Scan(&s.PendingImages, &s.PendingPDFs)
	if err != nil {
		return Stats{}, fmt.Errorf("count pending: %w", err)
	}
	return s, nil
}

func (r *RepoPG) PendingPatients(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.strcodigopaciente
		FROM `+sourceJoin+`
		WHERE `+pendingFilter+`
		GROUP BY m.strcodigopaciente
		ORDER BY MAX(i.img_rcl_rcl_dthr) DESC NULLS LAST, m.strcodigopaciente
		LIMIT $2`,
		AllowedExtensions, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *RepoPG) PendingItems(ctx context.Context, patientCode string) ([]SourceItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT
			m.strcodigo,
			convert_to(m.strbase64, 'UTF8'),
			COALESCE(m.strextensao, 'jpg'),
			i.img_rcl_rcl_dthr,
			COALESCE(dp.destino_codigo, i.img_rcl_rcl_cod::text),
			COALESCE(p_new.strprocedimento, p_old.strprocedimento, 'PROCEDIMENTO IMPORTADO'),
			m.strcodigopaciente
		FROM `+sourceJoin+`
		LEFT JOIN tbl_migracao_codigos_depara dp ON dp.origem_codigo = i.img_rcl_rcl_cod::text
		LEFT JOIN tblprocedimento p_new ON p_new.strcodigo = dp.destino_codigo
		LEFT JOIN tblprocedimento p_old ON p_old.strcodigo = i.img_rcl_rcl_cod::text
		WHERE m.strcodigopaciente = $2
		AND `+pendingFilter+`
		ORDER BY i.img_rcl_rcl_dthr`,
		AllowedExtensions, patientCode,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SourceItem
	for rows.Next() {
		item, err := scanSourceItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSourceItem(row pgx.Row) (SourceItem, error) {
	var (
		item     SourceItem
		ts       *time.Time
		procCode *string
	)
	if err := row.Scan(&item.OriginID, &item.Blob, &item.Extension, &ts, &procCode, &item.ProcedureName, &item.PatientID); err != nil {
		return SourceItem{}, fmt.Errorf("scan source item: %w", err)
	}
	item.Timestamp = ts
	if procCode != nil {
		item.ProcedureCode = *procCode
	}
	if item.Extension == "" {
		item.Extension = DefaultExtension
	}
	return item, nil
}

func (r *RepoPG) MaxID(ctx context.Context, c Counter) (int64, error) {
	col, ok := counterColumns[c]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCounter, c)
	}
	var max int64
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM %s`, col, string(c))).Scan(&max)
	return max, err
}

func (r *RepoPG) NextVisitID(ctx context.Context, patientID int64) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(intatendimentoid), 0) + 1 FROM tblatendimento WHERE intclienteid = $1`,
		patientID,
	).Scan(&id)
	return id, err
}

func (r *RepoPG) InsertVisit(ctx context.Context, v *Visit) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tblatendimento (
			intatendimentoid, datatende, intprofissionalid, intclienteid,
			intempresaid, intusuarioid, datatendimento, strstatus, bolcheck, inttipoatendimentoid
		) `+db.OverridingClause(ctx, "tblatendimento")+`
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.AttendedAt, v.ProfessionalID, v.PatientID,
		v.CompanyID, v.UserID, v.AttendedAt, v.Status, v.Check, v.VisitTypeID,
	)
	if err != nil {
		return fmt.Errorf("insert visit %d: %w", v.ID, err)
	}
	return nil
}

func (r *RepoPG) InsertInvoice(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tblfaturaatendimento (
			intfaturaatendimentoid, intclienteid, intatendimentoid,
			strprocedimento, strdescrprocedimento, numquantidade, numvalor,
			intempresaid, intusuarioid, datfaturaatendimento, strstatusfat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.PatientID, inv.VisitID,
		inv.ProcedureCode, inv.ProcedureName, inv.Quantity, inv.Amount,
		inv.CompanyID, inv.UserID, inv.InvoicedAt, inv.Status,
	)
	if err != nil {
		return fmt.Errorf("insert invoice %d: %w", inv.ID, err)
	}
	return nil
}

func (r *RepoPG) InsertReport(ctx context.Context, rep *Report) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tbllaudocliente (
			intlaudoclienteid, intclienteid, intatendimentoid, intfaturaatendimentoid,
			strcodigoprocedimento, strdescrprocedimento,
			strstatus, intmedicoid, intusuarioid, intempresaid,
			datlaudocliente, datliberacao
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rep.ID, rep.PatientID, rep.VisitID, rep.InvoiceID,
		rep.ProcedureCode, rep.ProcedureName,
		rep.Status, rep.DoctorID, rep.UserID, rep.CompanyID,
		rep.ReportedAt, rep.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report %d: %w", rep.ID, err)
	}
	return nil
}

func (r *RepoPG) InsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tbllaudoimagem (
			intlaudoimagemid, strlaudoimagem, intclienteid, intatendimentoid, intfaturaatendimentoid,
			strcodigoprocedimento, strdescrprocedimento, intordem, strterminal,
			imgimagem, intusuarioid, intempresaid, datlaudoimagem, bolimpressao, intlaudoclienteid
		) `+db.OverridingClause(ctx, "tbllaudoimagem")+`
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.FileName, a.PatientID, a.VisitID, a.InvoiceID,
		a.ProcedureCode, a.ProcedureName, a.Order, a.Terminal,
		a.Content, a.UserID, a.CompanyID, a.TakenAt, a.Printed, a.ReportID,
	)
	if err != nil {
		return fmt.Errorf("insert attachment %d: %w", a.ID, err)
	}
	return nil
}

func (r *RepoPG) MarkMigrated(ctx context.Context, originID string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO tbl_controle_migracao (strcodigoimagemorigem) VALUES ($1)`,
		originID,
	)
	if err != nil {
		return fmt.Errorf("mark %s migrated: %w", originID, err)
	}
	return nil
}

func (r *RepoPG) SourceRows(ctx context.Context, patientCode string) ([]SourceRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.strcodigo, m.strextensao, i.img_rcl_rcl_dthr
		FROM `+sourceJoin+`
		WHERE m.strcodigopaciente = $1
		ORDER BY i.img_rcl_rcl_dthr, m.strcodigo`,
		patientCode,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceRow
	for rows.Next() {
		var s SourceRow
		if err := rows.Scan(&s.OriginID, &s.Extension, &s.Taken); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *RepoPG) LedgeredAmong(ctx context.Context, originIDs []string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT strcodigoimagemorigem FROM tbl_controle_migracao WHERE strcodigoimagemorigem = ANY($1)`,
		originIDs,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *RepoPG) Hierarchy(ctx context.Context, patientID int64) ([]HierarchyRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.intatendimentoid, a.datatendimento, f.intfaturaatendimentoid, f.strprocedimento,
			l.intlaudoclienteid, 'IMG' AS kind, li.intlaudoimagemid, li.strlaudoimagem, li.datlaudoimagem
		FROM tblatendimento a
		JOIN tblfaturaatendimento f ON f.intatendimentoid = a.intatendimentoid AND f.intclienteid = a.intclienteid
		JOIN tbllaudocliente l ON l.intfaturaatendimentoid = f.intfaturaatendimentoid AND l.intclienteid = a.intclienteid
		JOIN tbllaudoimagem li ON li.intlaudoclienteid = l.intlaudoclienteid AND li.intclienteid = a.intclienteid
		WHERE a.intclienteid = $1

		UNION ALL

		SELECT a.intatendimentoid, a.datatendimento, f.intfaturaatendimentoid, f.strprocedimento,
			l.intlaudoclienteid, 'PDF' AS kind, lp.intlaudopdfanexoid, 'PDF Anexo', lp.datlaudopdfanexo
		FROM tblatendimento a
		JOIN tblfaturaatendimento f ON f.intatendimentoid = a.intatendimentoid AND f.intclienteid = a.intclienteid
		JOIN tbllaudocliente l ON l.intfaturaatendimentoid = f.intfaturaatendimentoid AND l.intclienteid = a.intclienteid
		JOIN tbllaudopdfanexo lp ON lp.intlaudoclienteid = l.intlaudoclienteid AND lp.intclienteid = a.intclienteid
		WHERE a.intclienteid = $1

		ORDER BY 2, 1, 6, 7`,
		patientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HierarchyRow
	for rows.Next() {
		var h HierarchyRow
		var name *string
		if err := rows.Scan(&h.VisitID, &h.VisitDate, &h.InvoiceID, &h.ProcedureCode,
			&h.ReportID, &h.Kind, &h.ItemID, &name, &h.ItemDate); err != nil {
			return nil, fmt.Errorf("scan hierarchy row: %w", err)
		}
		if name != nil {
			h.Name = *name
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
