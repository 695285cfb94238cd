package migration

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) *time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func item(id, proc string, at *time.Time) SourceItem {
	return SourceItem{OriginID: id, ProcedureCode: proc, Timestamp: at, Blob: []byte("x"), Extension: "jpg", PatientID: "7"}
}

func TestDedup_KeepsFirstOccurrence(t *testing.T) {
	first := item("a", "100", ts("2024-01-05 08:00"))
	dup := item("a", "200", ts("2024-02-01 09:00"))
	other := item("b", "100", ts("2024-01-05 10:00"))

	unique, dropped := Dedup([]SourceItem{first, other, dup})

	require.Len(t, unique, 2)
	assert.Equal(t, "100", unique[0].ProcedureCode)
	assert.Equal(t, "b", unique[1].OriginID)
	assert.Equal(t, []string{"a"}, dropped)
}

func TestDedup_NoDuplicates(t *testing.T) {
	unique, dropped := Dedup([]SourceItem{item("a", "1", nil), item("b", "1", nil)})
	assert.Len(t, unique, 2)
	assert.Empty(t, dropped)
}

func TestGroup_EndToEndShape(t *testing.T) {
	items := []SourceItem{
		item("1", "100", ts("2024-01-05 08:00")),
		item("2", "200", ts("2024-01-05 09:00")),
		item("3", "100", ts("2024-01-05 17:30")),
	}

	groups := Group(items)

	require.Len(t, groups, 2)
	assert.Equal(t, GroupKey{ProcedureCode: "100", Day: Day{2024, time.January, 5}}, groups[0].Key)
	assert.Equal(t, "1", groups[0].Header.OriginID)
	assert.Len(t, groups[0].Items, 2)
	assert.Equal(t, "3", groups[0].Items[1].OriginID)
	assert.Equal(t, "200", groups[1].Key.ProcedureCode)
	assert.Len(t, groups[1].Items, 1)
}

func TestGroup_FirstAppearanceOrder(t *testing.T) {
	groups := Group([]SourceItem{
		item("1", "300", ts("2024-03-01 10:00")),
		item("2", "100", ts("2024-01-01 10:00")),
		item("3", "300", ts("2024-03-01 11:00")),
		item("4", "200", ts("2024-02-01 10:00")),
	})

	var procs []string
	for _, g := range groups {
		procs = append(procs, g.Key.ProcedureCode)
	}
	assert.Equal(t, []string{"300", "100", "200"}, procs)
}

func TestGroup_DifferentDaysSplit(t *testing.T) {
	groups := Group([]SourceItem{
		item("1", "100", ts("2024-01-05 23:59")),
		item("2", "100", ts("2024-01-06 00:00")),
	})
	assert.Len(t, groups, 2)
}

func TestGroup_MissingTimestampsShareMinDay(t *testing.T) {
	groups := Group([]SourceItem{
		item("1", "100", nil),
		item("2", "100", ts("2024-01-05 08:00")),
		item("3", "100", nil),
		item("4", "200", nil),
	})

	require.Len(t, groups, 3)
	assert.Equal(t, MinDay, groups[0].Key.Day)
	assert.Len(t, groups[0].Items, 2)
	assert.Equal(t, "0001-01-01", groups[0].Key.Day.String())
	assert.Equal(t, GroupKey{ProcedureCode: "200", Day: MinDay}, groups[2].Key)
}

func TestGroup_DayUsesTimestampLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	late := time.Date(2024, 1, 5, 22, 0, 0, 0, loc)
	assert.Equal(t, Day{2024, time.January, 5}, KeyOf(item("1", "100", &late)).Day)
}

func TestGroup_DropsDuplicatesBeforeGrouping(t *testing.T) {
	groups, dropped := GroupWithDuplicates([]SourceItem{
		item("1", "100", ts("2024-01-05 08:00")),
		item("1", "100", ts("2024-01-05 08:00")),
	})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Items, 1)
	assert.Equal(t, []string{"1"}, dropped)
}

func TestGroup_PartitionsDedupedInput(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	procs := []string{"100", "200", "300"}
	days := []*time.Time{nil, ts("2024-01-05 08:00"), ts("2024-01-05 19:00"), ts("2024-01-06 08:00")}

	for round := 0; round < 50; round++ {
		var items []SourceItem
		for i := 0; i < 20; i++ {
			id := string(rune('a' + r.Intn(15)))
			items = append(items, item(id, procs[r.Intn(len(procs))], days[r.Intn(len(days))]))
		}

		unique, _ := Dedup(items)
		groups := Group(items)

		seen := map[string]int{}
		for _, g := range groups {
			assert.Equal(t, g.Items[0].OriginID, g.Header.OriginID)
			for _, it := range g.Items {
				assert.Equal(t, g.Key, KeyOf(it))
				seen[it.OriginID]++
			}
		}
		require.Len(t, seen, len(unique))
		for _, u := range unique {
			assert.Equal(t, 1, seen[u.OriginID], "item %s", u.OriginID)
		}
	}
}

func TestGroup_KeyIndependentOfOrder(t *testing.T) {
	a := item("1", "100", ts("2024-01-05 08:00"))
	b := item("2", "100", ts("2024-01-05 18:00"))

	for _, in := range [][]SourceItem{{a, b}, {b, a}} {
		groups := Group(in)
		require.Len(t, groups, 1)
		assert.Len(t, groups[0].Items, 2)
	}
}

func TestGroup_Empty(t *testing.T) {
	assert.Empty(t, Group(nil))
}
