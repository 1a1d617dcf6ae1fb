// Package risk holds guard-rails on how much a single bundle may carry.
package risk

// Limits bounds bundle fan-out. Zero values disable a limit.
type Limits struct {
	MaxWalletsPerBundle int
}

// Allow reports whether a bundle touching wallets distinct wallets is acceptable.
func (l Limits) Allow(wallets int) bool {
	return l.MaxWalletsPerBundle <= 0 || wallets <= l.MaxWalletsPerBundle
}
