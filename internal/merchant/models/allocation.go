package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AllocationKey derives the idempotency key for an approval batch from its
// sorted merchant ids and the approval time. Every retry of the batch sends
// the same key.
func AllocationKey(ids []int64, approvedAt time.Time) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = strconv.FormatInt(v, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",") + "|" + approvedAt.UTC().Format(time.RFC3339Nano)))
	return "approval-" + hex.EncodeToString(sum[:16])
}

// AliasEntry is one alias the acquirer asks for: one per checkout counter.
type AliasEntry struct {
	MerchantID int64
	FSPID      string
	Currency   string
}

// AliasAssignment is one allocated alias, in request order.
type AliasAssignment struct {
	MerchantID int64
	Alias      string
}

// AliasBatch is a set of merchants sent to the allocator together.
type AliasBatch struct {
	IdempotencyKey string
	Entries        []AliasEntry
}

// BuildAliasBatch orders merchants by id and emits one entry per checkout
// counter, so the same merchants always produce the same batch.
func BuildAliasBatch(key string, merchants []*Merchant) AliasBatch {
	sorted := append([]*Merchant(nil), merchants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	batch := AliasBatch{IdempotencyKey: key}
	for _, m := range sorted {
		for range m.Counters {
			batch.Entries = append(batch.Entries, AliasEntry{
				MerchantID: int64(m.ID),
				FSPID:      string(m.Tenant),
				Currency:   m.Profile.Currency,
			})
		}
	}
	return batch
}

// GroupAssignments splits a reply back into per-merchant alias lists,
// preserving order within each merchant.
func GroupAssignments(assignments []AliasAssignment) map[int64][]string {
	out := make(map[int64][]string)
	for _, a := range assignments {
		out[a.MerchantID] = append(out[a.MerchantID], a.Alias)
	}
	return out
}
