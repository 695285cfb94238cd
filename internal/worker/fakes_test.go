package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/migrator/internal/domain/migration"
)

// memDB is the committed state shared by successive fake connections.
type memDB struct {
	patients    []string
	items       map[string][]migration.SourceItem
	ledger      map[string]bool
	visits      []migration.Visit
	invoices    []migration.Invoice
	reports     []migration.Report
	attachments []migration.Attachment
}

func newMemDB() *memDB {
	return &memDB{items: map[string][]migration.SourceItem{}, ledger: map[string]bool{}}
}

func (m *memDB) add(patient string, items ...migration.SourceItem) {
	if _, ok := m.items[patient]; !ok {
		m.patients = append(m.patients, patient)
	}
	m.items[patient] = append(m.items[patient], items...)
}

type fakeStore struct {
	db         *memDB
	pendingErr error
	statsErr   error
	beginErr   error
	// failAttachment makes the Nth attachment insert of a batch fail (1-based).
	failAttachment int
	enableErr      error

	statsCalls int
	rolledBack int
	enabled    int
	disabled   int
	closed     bool
}

func newFakeStore(db *memDB) *fakeStore {
	return &fakeStore{db: db}
}

func (s *fakeStore) Stats(context.Context) (migration.Stats, error) {
	s.statsCalls++
	if s.statsErr != nil {
		return migration.Stats{}, s.statsErr
	}
	var st migration.Stats
	for _, items := range s.db.items {
		for _, it := range items {
			switch {
			case s.db.ledger[it.OriginID] && it.IsPDF():
				st.MigratedPDFs++
			case s.db.ledger[it.OriginID]:
				st.MigratedImages++
			case it.IsPDF():
				st.PendingPDFs++
			default:
				st.PendingImages++
			}
		}
	}
	return st, nil
}

func (s *fakeStore) PendingPatients(_ context.Context, limit int) ([]string, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	var out []string
	for _, p := range s.db.patients {
		for _, it := range s.db.items[p] {
			if !s.db.ledger[it.OriginID] {
				out = append(out, p)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Begin(context.Context) (Batch, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &fakeBatch{store: s, ledger: map[string]bool{}}, nil
}

func (s *fakeStore) Close(context.Context) error {
	s.closed = true
	return nil
}

// fakeBatch stages writes until Commit.
type fakeBatch struct {
	store       *fakeStore
	ledger      map[string]bool
	visits      []migration.Visit
	invoices    []migration.Invoice
	reports     []migration.Report
	attachments []migration.Attachment
	done        bool
}

func (b *fakeBatch) Context(ctx context.Context) context.Context { return ctx }

func (b *fakeBatch) Keys() KeySwitch { return &fakeKeys{store: b.store} }

func (b *fakeBatch) Commit(context.Context) error {
	if b.done {
		return errors.New("tx closed")
	}
	b.done = true
	db := b.store.db
	for id := range b.ledger {
		db.ledger[id] = true
	}
	db.visits = append(db.visits, b.visits...)
	db.invoices = append(db.invoices, b.invoices...)
	db.reports = append(db.reports, b.reports...)
	db.attachments = append(db.attachments, b.attachments...)
	return nil
}

func (b *fakeBatch) Rollback(context.Context) error {
	if b.done {
		return errors.New("tx closed")
	}
	b.done = true
	b.store.rolledBack++
	return nil
}

func (b *fakeBatch) Stats(ctx context.Context) (migration.Stats, error) { return b.store.Stats(ctx) }

func (b *fakeBatch) PendingPatients(ctx context.Context, limit int) ([]string, error) {
	return b.store.PendingPatients(ctx, limit)
}

func (b *fakeBatch) PendingItems(_ context.Context, patientCode string) ([]migration.SourceItem, error) {
	var out []migration.SourceItem
	for _, it := range b.store.db.items[patientCode] {
		if !b.store.db.ledger[it.OriginID] && !b.ledger[it.OriginID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (b *fakeBatch) MaxID(_ context.Context, c migration.Counter) (int64, error) {
	var max int64
	switch c {
	case migration.CounterInvoice:
		for _, inv := range b.store.db.invoices {
			if inv.ID > max {
				max = inv.ID
			}
		}
	case migration.CounterAttachment:
		for _, a := range b.store.db.attachments {
			if a.ID > max {
				max = a.ID
			}
		}
	default:
		return 0, migration.ErrUnknownCounter
	}
	return max, nil
}

func (b *fakeBatch) NextVisitID(_ context.Context, patientID int64) (int64, error) {
	var max int64
	for _, v := range append(append([]migration.Visit{}, b.store.db.visits...), b.visits...) {
		if v.PatientID == patientID && v.ID > max {
			max = v.ID
		}
	}
	return max + 1, nil
}

func (b *fakeBatch) InsertVisit(_ context.Context, v *migration.Visit) error {
	b.visits = append(b.visits, *v)
	return nil
}

func (b *fakeBatch) InsertInvoice(_ context.Context, inv *migration.Invoice) error {
	b.invoices = append(b.invoices, *inv)
	return nil
}

func (b *fakeBatch) InsertReport(_ context.Context, r *migration.Report) error {
	b.reports = append(b.reports, *r)
	return nil
}

func (b *fakeBatch) InsertAttachment(_ context.Context, a *migration.Attachment) error {
	if b.store.failAttachment > 0 && len(b.attachments)+1 == b.store.failAttachment {
		return fmt.Errorf("insert attachment %d: duplicate key", a.ID)
	}
	b.attachments = append(b.attachments, *a)
	return nil
}

func (b *fakeBatch) MarkMigrated(_ context.Context, originID string) error {
	if b.ledger[originID] || b.store.db.ledger[originID] {
		return fmt.Errorf("mark %s migrated: duplicate key", originID)
	}
	b.ledger[originID] = true
	return nil
}

type fakeKeys struct {
	store *fakeStore
}

func (k *fakeKeys) Enable(context.Context) error {
	if k.store.enableErr != nil {
		return k.store.enableErr
	}
	k.store.enabled++
	return nil
}

func (k *fakeKeys) Disable(context.Context) { k.store.disabled++ }
