package credit

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xraph/chartable/types"
)

// TierTable maps a purchasable tier to the credits it grants. Keys are
// either tier names carried in checkout metadata or Stripe price ids /
// price lookup keys.
type TierTable map[string]types.Credits

// Lookup returns the credits for key.
func (t TierTable) Lookup(key string) (types.Credits, bool) {
	amount, ok := t[strings.TrimSpace(key)]
	return amount, ok
}

// Validate rejects an empty table and any non-positive amount.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return errors.New("credit: tier table is empty")
	}
	for _, key := range t.Keys() {
		if !t[key].IsPositive() {
			return fmt.Errorf("credit: tier %q grants %d credits, must be positive", key, t[key])
		}
	}
	return nil
}

// Keys returns the tier keys in sorted order.
func (t TierTable) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewTierTable converts a raw config map.
func NewTierTable(raw map[string]int64) TierTable {
	t := make(TierTable, len(raw))
	for k, v := range raw {
		t[strings.TrimSpace(k)] = types.Credits(v)
	}
	return t
}

// ParseTierSpec parses "key=amount" pairs separated by commas, the format
// used for the CHARTABLE_TIER_SPEC environment variable.
func ParseTierSpec(spec string) (TierTable, error) {
	t := make(TierTable)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, rawAmount, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("credit: tier spec entry %q: want key=amount", pair)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(rawAmount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("credit: tier spec entry %q: %w", pair, err)
		}
		t[key] = types.Credits(amount)
	}
	return t, nil
}
