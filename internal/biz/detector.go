package biz

import (
	"sort"
	"time"
)

// Detect selects the accounts that need renewal: eligible status, a known
// expiry, and expiry within now+window. The result is sorted by id and holds
// each id once. Detect never mutates the accounts.
func Detect(accounts []*Account, now time.Time, window time.Duration) []string {
	due := SelectCandidates(accounts, now, window)
	ids := make([]string, len(due))
	for i, a := range due {
		ids[i] = a.ID
	}
	return ids
}

// SelectCandidates is Detect returning the account records. For a duplicated
// id the first due record wins.
func SelectCandidates(accounts []*Account, now time.Time, window time.Duration) []*Account {
	deadline := now.Add(window)
	seen := make(map[string]struct{}, len(accounts))
	out := make([]*Account, 0)
	for _, a := range accounts {
		if a == nil || a.ID == "" || !eligible(a.Status) {
			continue
		}
		if a.ExpiresAt == nil || a.ExpiresAt.After(deadline) {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// 失败账户下一轮继续参与检测，refreshing / disabled 永不参与
func eligible(s Status) bool {
	return s == StatusActive || s == StatusFailed
}
