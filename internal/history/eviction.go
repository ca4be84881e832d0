package history

import (
	"encoding/json"
	"sort"

	"neurochat/pkg/chattypes"
)

// Policy holds the eviction constants.
type Policy struct {
	MaxConversations      int
	SoftLimitRatio        float64
	CleanupTargetRatio    float64
	StorageThresholdRatio float64
	QuotaBytes            int64
}

// DefaultPolicy returns 100 conversations, 0.9/0.85 hysteresis and a byte
// budget of 80% of a 10 MiB quota.
func DefaultPolicy() Policy {
	return Policy{
		MaxConversations:      100,
		SoftLimitRatio:        0.9,
		CleanupTargetRatio:    0.85,
		StorageThresholdRatio: 0.8,
		QuotaBytes:            10 << 20,
	}
}

func (p Policy) softLimit() int     { return int(float64(p.MaxConversations) * p.SoftLimitRatio) }
func (p Policy) cleanupTarget() int { return int(float64(p.MaxConversations) * p.CleanupTargetRatio) }
func (p Policy) thresholdBytes() int64 {
	return int64(float64(p.QuotaBytes) * p.StorageThresholdRatio)
}

// UsageMeter reports the bytes currently used by the backing store.
type UsageMeter func() (int64, error)

// Evict returns the conversations to keep, most recent first. The result is
// always a prefix of the input stable-sorted by descending timestamp, so
// applying Evict twice gives the same result as applying it once.
//
// A nil meter counts as unmeasurable usage, which is treated as near quota.
func Evict(convs []chattypes.Conversation, p Policy, meter UsageMeter) []chattypes.Conversation {
	kept := make([]chattypes.Conversation, len(convs))
	copy(kept, convs)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.After(kept[j].Timestamp)
	})

	if p.MaxConversations > 0 && len(kept) > p.MaxConversations {
		kept = kept[:p.MaxConversations]
	}

	if target := p.cleanupTarget(); target > 0 && len(kept) >= p.softLimit() && len(kept) > target {
		kept = kept[:target]
	}

	if p.QuotaBytes > 0 && nearQuota(p, meter) {
		kept = trimToBudget(kept, p.thresholdBytes())
	}
	return kept
}

func nearQuota(p Policy, meter UsageMeter) bool {
	if meter == nil {
		return true
	}
	used, err := meter()
	if err != nil {
		return true
	}
	return used >= p.thresholdBytes()
}

// trimToBudget drops conversations from the tail until the JSON encoding of
// the list fits in budget. Per-item sizes are measured once.
func trimToBudget(kept []chattypes.Conversation, budget int64) []chattypes.Conversation {
	sizes := make([]int64, len(kept))
	var total int64 = 2 // []
	for i, c := range kept {
		sizes[i] = EstimateSize(c)
		total += sizes[i]
		if i > 0 {
			total++ // comma
		}
	}
	n := len(kept)
	for n > 0 && total > budget {
		n--
		total -= sizes[n]
		if n > 0 {
			total--
		}
	}
	return kept[:n]
}

// EstimateSize approximates the stored size of v as its JSON encoding length.
func EstimateSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
