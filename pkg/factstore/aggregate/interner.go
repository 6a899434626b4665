package aggregate

import (
	"strconv"

	"github.com/dgraph-io/ristretto"
)

// Interner maps a rule id to its canonical string form, so folding a
// million fact rows never re-allocates the same handful of rule-id
// strings (spec §4.8 step 6). Rule-id cardinality is low (low
// hundreds per spec), so a cache miss — formatting the int32 again —
// is cheap; eviction under ristretto's admission policy is therefore
// never a correctness concern, only an occasional extra allocation.
type Interner struct {
	cache *ristretto.Cache
}

// NewInterner creates an interner sized for a few hundred distinct
// rule ids.
func NewInterner() *Interner {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		// NewCache only fails on malformed Config; the literal above is
		// always valid, so this is unreachable in practice, but an
		// interner that silently never caches is still correct.
		return &Interner{}
	}
	return &Interner{cache: cache}
}

// Intern returns the canonical string for ruleID.
func (i *Interner) Intern(ruleID int32) string {
	if i.cache == nil {
		return strconv.FormatInt(int64(ruleID), 10)
	}
	if v, ok := i.cache.Get(ruleID); ok {
		return v.(string)
	}
	s := strconv.FormatInt(int64(ruleID), 10)
	i.cache.Set(ruleID, s, int64(len(s)))
	return s
}
