package mercadillo

import "sort"

// Reconciliation merges conversation and message records arriving from any of
// the three update sources — optimistic local writes, transport push events,
// and poll responses — into canonical collections. Every function here is
// pure and idempotent, so the sources never need to be serialized against
// each other: any interleaving converges to the same state.

// placeholderNames are generic display names the backend substitutes when it
// has not resolved a participant. A resolved human name must never regress to
// one of these.
var placeholderNames = map[string]bool{
	"":         true,
	"usuario":  true,
	"vendedor": true,
	"cliente":  true,
	"user":     true,
	"unknown":  true,
	"anonimo":  true,
	"anónimo":  true,
}

func isPlaceholderName(name string) bool {
	return placeholderNames[lowerASCII(name)]
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// pickName implements most-informative-wins: the fresh value is preferred
// unless it is a placeholder and the previous value is not.
func pickName(fresh, previous string) string {
	if isPlaceholderName(fresh) && !isPlaceholderName(previous) {
		return previous
	}
	if fresh == "" {
		return previous
	}
	return fresh
}

// MergeConversationData combines a freshly fetched record with previously
// known local state. The unread count always takes the remote value, so that
// "mark as read" can actually reach zero; names use most-informative-wins;
// everything else is last-write-wins with empty values losing.
func MergeConversationData(remote, previous Conversation) Conversation {
	merged := previous
	if remote.ID != "" {
		merged.ID = remote.ID
	}
	merged.ParticipantIDs = mergeParticipants(previous.ParticipantIDs, remote.ParticipantIDs)
	merged.CustomerName = pickName(remote.CustomerName, previous.CustomerName)
	merged.SellerName = pickName(remote.SellerName, previous.SellerName)
	if remote.Product != "" {
		merged.Product = remote.Product
	}
	if remote.LastMessage != "" {
		merged.LastMessage = remote.LastMessage
	}
	if remote.Timestamp != 0 {
		merged.Timestamp = remote.Timestamp
	}
	merged.UnreadCount = remote.UnreadCount
	return merged
}

// DedupeConversations collapses duplicate ids. The first occurrence keeps its
// position; later duplicates are merged into it as fresher data.
func DedupeConversations(list []Conversation) []Conversation {
	result := make([]Conversation, 0, len(list))
	index := make(map[string]int, len(list))
	for _, conv := range list {
		if at, seen := index[conv.ID]; seen {
			result[at] = MergeConversationData(conv, result[at])
			continue
		}
		index[conv.ID] = len(result)
		result = append(result, conv)
	}
	return result
}

func mergeParticipants(previous, remote []string) []string {
	seen := make(map[string]bool, len(previous)+len(remote))
	merged := make([]string, 0, len(previous)+len(remote))
	for _, ids := range [][]string{previous, remote} {
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	sort.Strings(merged)
	return merged
}

// AppendMessageSafe inserts next into list unless its id is already present,
// then restores ascending createdAt order. Applying the same inbound event
// twice is a no-op.
func AppendMessageSafe(list []Message, next Message) []Message {
	for _, m := range list {
		if m.ID == next.ID {
			return list
		}
	}
	result := make([]Message, 0, len(list)+1)
	result = append(result, list...)
	result = append(result, next)
	sortMessages(result)
	return result
}

// ReplaceOptimisticMessage removes the temporary record and inserts the
// confirmed one, preserving overall ordering. The temporary id and its
// replacement never coexist.
func ReplaceOptimisticMessage(list []Message, tempID string, confirmed Message) []Message {
	result := make([]Message, 0, len(list)+1)
	for _, m := range list {
		if m.ID == tempID || m.ID == confirmed.ID {
			continue
		}
		result = append(result, m)
	}
	result = append(result, confirmed)
	sortMessages(result)
	return result
}

// RemoveMessage drops the record with the given id, used to roll back a
// failed optimistic send.
func RemoveMessage(list []Message, id string) []Message {
	result := make([]Message, 0, len(list))
	for _, m := range list {
		if m.ID == id {
			continue
		}
		result = append(result, m)
	}
	return result
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
}

// sortConversationsByRecency orders a conversation list newest-first, the
// order the conversation panel renders.
func sortConversationsByRecency(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
}
