package migration

// Dedup keeps the first occurrence of every OriginID and returns the origin
// IDs of the occurrences it dropped, in input order.
func Dedup(items []SourceItem) (unique []SourceItem, dropped []string) {
	seen := make(map[string]struct{}, len(items))
	unique = make([]SourceItem, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.OriginID]; ok {
			dropped = append(dropped, item.OriginID)
			continue
		}
		seen[item.OriginID] = struct{}{}
		unique = append(unique, item)
	}
	return unique, dropped
}

// Group partitions items into encounter groups keyed by procedure code and
// calendar day. Items are deduplicated first. Groups come out in the order
// their key first appears and keep their items in input order; the first
// item of each key is the group's header.
func Group(items []SourceItem) []EncounterGroup {
	unique, _ := Dedup(items)
	return groupUnique(unique)
}

func groupUnique(items []SourceItem) []EncounterGroup {
	index := make(map[GroupKey]int)
	var groups []EncounterGroup
	for _, item := range items {
		key := KeyOf(item)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, EncounterGroup{Key: key, Header: item})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	return groups
}

// GroupWithDuplicates is Group that also reports the dropped duplicates.
func GroupWithDuplicates(items []SourceItem) ([]EncounterGroup, []string) {
	unique, dropped := Dedup(items)
	return groupUnique(unique), dropped
}
