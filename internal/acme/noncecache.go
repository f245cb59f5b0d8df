package acme

import "sync"

// nonceCache is the ACME client's single legitimate singleton (SPEC_FULL.md
// §9 / spec.md §9): a per-Client pool of unused anti-replay nonces, fed
// lazily from newNonce and refreshed from every response's Replay-Nonce
// header, protected by its own mutex so it is safe to share across the
// per-record goroutines the scheduler runs concurrently.
type nonceCache struct {
	mu    sync.Mutex
	stock []string
}

func (c *nonceCache) push(nonce string) {
	if nonce == "" {
		return
	}
	c.mu.Lock()
	c.stock = append(c.stock, nonce)
	c.mu.Unlock()
}

// pop returns a cached nonce and true, or "", false if the cache is empty
// and the caller must fetch one from newNonce.
func (c *nonceCache) pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stock) == 0 {
		return "", false
	}
	n := len(c.stock) - 1
	nonce := c.stock[n]
	c.stock = c.stock[:n]
	return nonce, true
}
