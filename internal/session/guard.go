// Package session enforces single-active-client admission per access key.
// Each configured key is held by at most one client at a time: the holder
// refreshes its claim on every request, and a different client may take the
// key over only after the holder has been silent for the configured timeout.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the holder liveness timeout used when the configured
// value is zero or negative. It governs how long an idle holder retains
// exclusivity, not how long any individual call may take.
const DefaultTimeout = 30 * time.Second

// holderPrefixLen is the number of leading holder-ID characters disclosed in
// conflict responses. Enough to distinguish clients without leaking the full
// identity.
const holderPrefixLen = 8

// Sentinel errors returned by Admit. Both are terminal: the caller should
// not retry with the same request.
var (
	// ErrUnknownKey means the access key is not in the configured key set.
	ErrUnknownKey = errors.New("session: unknown access key")
	// ErrMissingHolder means the request carried no client identity.
	ErrMissingHolder = errors.New("session: missing client identity")
)

// ConflictError is returned by Admit when the key is held by a different,
// still-live client. The caller may retry after RetryAfter.
type ConflictError struct {
	// HolderPrefix is the incumbent's truncated client identity.
	HolderPrefix string
	// SourceAddr is the incumbent's source address (diagnostic only).
	SourceAddr string
	// RetryAfter is how long until the incumbent's claim becomes stale.
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session: key held by client %s… (%s), retry in %s",
		e.HolderPrefix, e.SourceAddr, e.RetryAfter.Round(time.Second))
}

// Outcome classifies a successful admission.
type Outcome string

const (
	// OutcomeClaimed means the key had no claim and this client took it.
	OutcomeClaimed Outcome = "CLAIMED"
	// OutcomeRefreshed means the current holder renewed its own claim.
	OutcomeRefreshed Outcome = "REFRESHED"
	// OutcomeTakeover means a stale claim was replaced by a new holder.
	OutcomeTakeover Outcome = "TAKEOVER"
	// OutcomeDenied means admission failed; inspect the returned error.
	OutcomeDenied Outcome = "DENIED"
)

// Claim records the current holder of one key.
type Claim struct {
	// HolderID is the opaque client identity, stable across that client's
	// requests.
	HolderID string `json:"holder_id"`
	// SourceAddr is the client's source address. Diagnostic only; it plays
	// no part in admission decisions.
	SourceAddr string `json:"source_addr"`
	// LastActive is the instant of the holder's most recent admitted
	// request, in UTC.
	LastActive time.Time `json:"last_active"`
}

// ClaimInfo is a Claim copy extended with its key's truncated form, as
// exposed on the operator endpoint.
type ClaimInfo struct {
	KeyPrefix string `json:"key_prefix"`
	Claim
}

// claimEntry pairs one key's claim with the mutex that serialises all
// admission decisions for that key.
type claimEntry struct {
	mu    sync.Mutex
	claim *Claim // nil while the key is unclaimed
}

// Guard arbitrates admission requests across the configured key set. The
// key→entry map is built once and never mutated, so lookups need no lock;
// each entry carries its own mutex and unrelated keys never contend.
// Claims live only in memory and die with the process.
type Guard struct {
	timeout time.Duration
	entries map[string]*claimEntry
}

// NewGuard creates a Guard for the given access keys. A timeout of zero or
// less selects DefaultTimeout.
func NewGuard(keys []string, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	entries := make(map[string]*claimEntry, len(keys))
	for _, k := range keys {
		entries[k] = &claimEntry{}
	}
	return &Guard{timeout: timeout, entries: entries}
}

// Timeout returns the configured holder liveness timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Admit decides whether the request identified by (key, holderID,
// sourceAddr) may proceed at instant now.
//
// The decision for a given key is one atomic unit under that key's mutex:
// two requests racing on the same unclaimed key resolve to exactly one
// OutcomeClaimed and one ConflictError.
//
// On success the returned error is nil and Outcome reports whether the
// claim was created, refreshed, or taken over. On failure Outcome is
// OutcomeDenied and the error is ErrUnknownKey, ErrMissingHolder, or a
// *ConflictError; a conflicting request never modifies the incumbent claim.
func (g *Guard) Admit(key, holderID, sourceAddr string, now time.Time) (Outcome, error) {
	entry, ok := g.entries[key]
	if !ok {
		return OutcomeDenied, ErrUnknownKey
	}
	if holderID == "" {
		return OutcomeDenied, ErrMissingHolder
	}

	now = now.UTC()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.claim
	if c == nil {
		entry.claim = &Claim{HolderID: holderID, SourceAddr: sourceAddr, LastActive: now}
		return OutcomeClaimed, nil
	}

	if c.HolderID == holderID {
		c.LastActive = now
		c.SourceAddr = sourceAddr
		return OutcomeRefreshed, nil
	}

	elapsed := now.Sub(c.LastActive)
	if elapsed > g.timeout {
		entry.claim = &Claim{HolderID: holderID, SourceAddr: sourceAddr, LastActive: now}
		return OutcomeTakeover, nil
	}

	return OutcomeDenied, &ConflictError{
		HolderPrefix: truncateHolder(c.HolderID),
		SourceAddr:   c.SourceAddr,
		RetryAfter:   g.timeout - elapsed,
	}
}

// Active returns copies of all claims whose holder is still within the
// liveness timeout at instant now, for operator inspection. Stale claims
// are omitted but not removed; they remain eligible for takeover.
func (g *Guard) Active(now time.Time) []ClaimInfo {
	now = now.UTC()
	var out []ClaimInfo
	for key, entry := range g.entries {
		entry.mu.Lock()
		c := entry.claim
		if c != nil && now.Sub(c.LastActive) <= g.timeout {
			out = append(out, ClaimInfo{KeyPrefix: TruncateKey(key), Claim: *c})
		}
		entry.mu.Unlock()
	}
	return out
}

// TruncateKey returns the disclosure-safe prefix of an access key, as used
// in operator output and history records.
func TruncateKey(key string) string {
	return truncateHolder(key)
}

func truncateHolder(id string) string {
	if len(id) <= holderPrefixLen {
		return id
	}
	return id[:holderPrefixLen]
}
