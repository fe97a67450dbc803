package syncqueue

import "sort"

// Compact collapses per-note mutation chains into the minimal set of
// operations the backend needs:
//
//	create ... delete        -> nothing (the note never existed remotely)
//	create ... update(s)     -> one create carrying the last payload
//	update(s)                -> one update carrying the last payload
//	update(s) ... delete     -> one delete
//
// Input items may carry any status; the output is a fresh pending set
// for resynchronization, ordered by clientUpdatedAt. Replay drivers may
// use this as an optimization; the queue itself never compacts.
func Compact(items []Item) []Item {
	byNote := make(map[string][]Item)
	order := make([]string, 0)
	for _, item := range items {
		if _, seen := byNote[item.NoteID]; !seen {
			order = append(order, item.NoteID)
		}
		byNote[item.NoteID] = append(byNote[item.NoteID], item)
	}

	result := make([]Item, 0, len(order))
	for _, noteID := range order {
		ops := byNote[noteID]
		sorted := make([]Item, len(ops))
		copy(sorted, ops)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].ClientUpdatedAt.Before(sorted[j].ClientUpdatedAt)
		})

		first := sorted[0]
		last := sorted[len(sorted)-1]

		hasCreate := false
		hasDelete := false
		for _, op := range sorted {
			switch op.Operation {
			case OpCreate:
				hasCreate = true
			case OpDelete:
				hasDelete = true
			}
		}

		switch {
		case hasCreate && hasDelete:
			// Created and deleted while offline; the server never needs
			// to hear about it.
			continue
		case !hasCreate && last.Operation == OpDelete:
			result = append(result, asPending(last))
		case hasCreate:
			merged := first
			merged.Operation = OpCreate
			merged.Payload = last.Payload
			merged.ClientUpdatedAt = last.ClientUpdatedAt
			merged.ID = last.ID
			result = append(result, asPending(merged))
		case last.Operation == OpUpdate:
			merged := last
			merged.Operation = OpUpdate
			result = append(result, asPending(merged))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ClientUpdatedAt.Before(result[j].ClientUpdatedAt)
	})
	return result
}

func asPending(item Item) Item {
	item.Status = StatusPending
	return item
}
