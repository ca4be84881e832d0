package retry

import "sync"

// AccountPool is the process-wide rotation cursor over web client accounts.
// It is shared by all conversations, so every access is serialized.
type AccountPool struct {
	mu     sync.Mutex
	cursor int
}

// NewAccountPool returns a pool positioned at the first account.
func NewAccountPool() *AccountPool {
	return &AccountPool{}
}

// Current returns the account the cursor points at.
func (p *AccountPool) Current(accounts []int) int {
	accounts = normalizeAccounts(accounts)
	p.mu.Lock()
	defer p.mu.Unlock()
	return accounts[p.cursor%len(accounts)]
}

// Next advances the cursor round-robin and returns the new account.
func (p *AccountPool) Next(accounts []int) int {
	accounts = normalizeAccounts(accounts)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = (p.cursor + 1) % len(accounts)
	return accounts[p.cursor]
}

// Advance moves the cursor off the failed account and returns the account
// to use next. When another caller already rotated away from from, the
// cursor is left alone so that concurrent failures on one account rotate once.
func (p *AccountPool) Advance(accounts []int, from int) int {
	accounts = normalizeAccounts(accounts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if accounts[p.cursor%len(accounts)] == from {
		p.cursor = (p.cursor + 1) % len(accounts)
	}
	return accounts[p.cursor%len(accounts)]
}

// Reset moves the cursor back to the first account.
func (p *AccountPool) Reset() {
	p.mu.Lock()
	p.cursor = 0
	p.mu.Unlock()
}

func normalizeAccounts(accounts []int) []int {
	if len(accounts) == 0 {
		return []int{0}
	}
	return accounts
}
