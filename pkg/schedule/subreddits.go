package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// ErrEmptyPool means no subreddit is configured for automatic commissions.
var ErrEmptyPool = errors.New("subreddit pool is empty")

// subredditPattern matches the names reddit itself accepts.
var subredditPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]{2,20}$`)

// PoolSelector picks uniformly at random from a fixed pool.
type PoolSelector struct {
	mu   sync.Mutex
	pool []string
	rnd  *rand.Rand
}

// NewPoolSelector builds a selector over the given pool. Entries are
// trimmed and blanks dropped.
func NewPoolSelector(pool []string, seed int64) *PoolSelector {
	var clean []string
	for _, s := range pool {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	return &PoolSelector{pool: clean, rnd: rand.New(rand.NewSource(seed))}
}

func (p *PoolSelector) Select(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pool) == 0 {
		return "", ErrEmptyPool
	}
	return p.pool[p.rnd.Intn(len(p.pool))], nil
}

// BlocklistValidator rejects malformed names and anything on the blocklist.
type BlocklistValidator struct {
	blocked map[string]struct{}
}

// NewBlocklistValidator builds a validator; comparison is case-insensitive.
func NewBlocklistValidator(blocked []string) *BlocklistValidator {
	set := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			set[b] = struct{}{}
		}
	}
	return &BlocklistValidator{blocked: set}
}

func (v *BlocklistValidator) Validate(_ context.Context, subreddit string) error {
	if !subredditPattern.MatchString(subreddit) {
		return fmt.Errorf("invalid subreddit name %q", subreddit)
	}
	if _, hit := v.blocked[strings.ToLower(subreddit)]; hit {
		return fmt.Errorf("subreddit %q is blocked for commissions", subreddit)
	}
	return nil
}
