// Package sentinel watches the persisted security configuration for
// unauthorized modification and runs lightweight runtime anomaly checks.
// Everything here is best-effort detection, a tripwire rather than a hard
// security boundary: a capable attacker who controls the store can also
// recompute baselines.
package sentinel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

const (
	baselineStoreKey    = "sentinel.baseline"
	tamperCountStoreKey = "sentinel.tamper_count"
	baselineNonceLen    = 16
)

// snapshotPrefixes selects the configuration keys covered by the baseline.
// Volatile bookkeeping (lockout counters, audit log, canary scratch keys)
// stays out so the snapshot reproduces identically between legitimate
// mutations.
var snapshotPrefixes = []string{
	"keyderive.",
	"auth.credential.",
	"walletlock.",
	"secmode.",
}

// canonicalSnapshot renders the covered configuration as sorted key=value
// lines. Wallet lock configs are normalized first: LastUnlockedAt changes
// on every unlock and must not shift the baseline.
func canonicalSnapshot(store securestore.Store) (string, error) {
	var lines []string
	for _, prefix := range snapshotPrefixes {
		keys, err := store.Keys(prefix)
		if err != nil {
			return "", fmt.Errorf("%w: snapshot keys %s: %v", secerr.ErrStorage, prefix, err)
		}
		for _, key := range keys {
			value, found, err := store.Read(key)
			if err != nil {
				return "", fmt.Errorf("%w: snapshot read %s: %v", secerr.ErrStorage, key, err)
			}
			if !found {
				continue
			}
			if key == "walletlock.configs" {
				value = normalizeWalletLocks(value)
			}
			lines = append(lines, key+"="+value)
		}
	}
	// Keys arrive sorted per prefix; prefix order is fixed, so the whole
	// snapshot is deterministic.
	return strings.Join(lines, "\n"), nil
}

func normalizeWalletLocks(value string) string {
	var configs map[models.WalletID]models.WalletLockConfig
	if err := json.Unmarshal([]byte(value), &configs); err != nil {
		return value
	}
	for id, cfg := range configs {
		cfg.LastUnlockedAt = nil
		configs[id] = cfg
	}
	normalized, err := json.Marshal(configs)
	if err != nil {
		return value
	}
	return string(normalized)
}

// computeBaseline derives the three independent digests over snapshot and
// nonce. Three distinct hash families mean a single broken or patched hash
// path cannot silently pass verification.
func computeBaseline(snapshot, nonce string, now time.Time) models.IntegrityBaseline {
	material := []byte(snapshot + "\n" + nonce)

	primary := sha256.Sum256(material)
	secondary := sha3.Sum512(material)
	tertiary := blake2b.Sum256(material)

	return models.IntegrityBaseline{
		Nonce:     nonce,
		Primary:   hex.EncodeToString(primary[:]),
		Secondary: hex.EncodeToString(secondary[:]),
		Tertiary:  hex.EncodeToString(tertiary[:]),
		CreatedAt: now.UTC(),
	}
}

func newBaselineNonce() (string, error) {
	raw := make([]byte, baselineNonceLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func loadBaseline(store securestore.Store) (models.IntegrityBaseline, bool, error) {
	raw, found, err := store.Read(baselineStoreKey)
	if err != nil {
		return models.IntegrityBaseline{}, false, fmt.Errorf("%w: read baseline: %v", secerr.ErrStorage, err)
	}
	if !found {
		return models.IntegrityBaseline{}, false, nil
	}
	var baseline models.IntegrityBaseline
	if err := json.Unmarshal([]byte(raw), &baseline); err != nil {
		return models.IntegrityBaseline{}, false, fmt.Errorf("%w: baseline is corrupt", secerr.ErrStorage)
	}
	return baseline, true, nil
}

func saveBaseline(store securestore.Store, baseline models.IntegrityBaseline) error {
	payload, err := json.Marshal(baseline)
	if err != nil {
		return err
	}
	if err := store.Write(baselineStoreKey, string(payload)); err != nil {
		return fmt.Errorf("%w: persist baseline: %v", secerr.ErrStorage, err)
	}
	return nil
}
