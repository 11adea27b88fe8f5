package ceremony

import (
	"encoding/json"
	"fmt"

	"github.com/keymint/hsm-key-management-backend/cryptoutils"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/keymint/hsm-key-management-backend/sharing"
)

// RecoveredShareInput is one custodian's material for offline restoration:
// their re-entered passphrase and the encrypted payload from their share
// export document. Passphrase is empty for custodians who never contributed
// to the original ceremony.
type RecoveredShareInput struct {
	CustodianID interfaces.CustodianID
	Passphrase  string
	Payload     []byte
}

// RestoreResult reports a reconstruction attempt. Verified is true only when
// the reconstructed fingerprint was compared against a known original; a
// reconstruction with no fingerprint on record is flagged unverified, never
// claimed as success.
type RestoreResult struct {
	Material    []byte
	Fingerprint string
	Checksum    string

	// Verified is true when the fingerprint matched a known original.
	Verified bool
}

// RestoreMasterKey reconstructs the master key of a completed ceremony from at
// least K custodian inputs. Each share's wrap key is re-derived from the
// custodian's re-entered passphrase (hashed against the original slot salt),
// the ceremony ID and the custodian identity.
func (e *Engine) RestoreMasterKey(id interfaces.CeremonyID, inputs []RecoveredShareInput) (RestoreResult, error) {
	c, err := e.get(id)
	if err != nil {
		return RestoreResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != interfaces.CeremonyCompleted {
		return RestoreResult{}, fmt.Errorf("%w: ceremony is %s", interfaces.ErrCeremonyNotAccepting, c.Status)
	}

	shares := make([]sharing.Share, 0, len(inputs))
	for _, input := range inputs {
		slot := c.slotByCustodian(input.CustodianID)
		if slot == nil {
			return RestoreResult{}, fmt.Errorf("%w: custodian %s holds no slot in ceremony %s",
				interfaces.ErrInvalidToken, input.CustodianID, c.ID)
		}

		var contributionHash []byte
		if input.Passphrase != "" {
			contributionHash = cryptoutils.HashPassphrase(
				cryptoutils.NormalizePassphrase(input.Passphrase), slot.Salt)
		}
		wrapKey := ShareWrapKey(c.ID, slot.Custodian.ID, slot.Salt, contributionHash)

		plain, err := cryptoutils.DecryptWithKey(wrapKey, input.Payload)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("failed to decrypt share for custodian %s (wrong passphrase or corrupted payload): %w",
				input.CustodianID, err)
		}

		var share sharing.Share
		if err := json.Unmarshal(plain, &share); err != nil {
			return RestoreResult{}, fmt.Errorf("failed to parse share for custodian %s: %w", input.CustodianID, err)
		}
		shares = append(shares, share)
	}

	var knownFingerprint string
	if c.KeyID != "" {
		if key, err := e.keys.Get(c.KeyID); err == nil {
			knownFingerprint = key.Fingerprint
		}
	}

	return RestoreFromShares(shares, knownFingerprint)
}

// RestoreFromShares reconstructs a secret from already-decrypted shares and
// verifies it against a known fingerprint when one is available. It never
// claims success without that comparison; with no fingerprint on record the
// result is explicitly unverified.
func RestoreFromShares(shares []sharing.Share, knownFingerprint string) (RestoreResult, error) {
	material, err := sharing.Reconstruct(shares)
	if err != nil {
		return RestoreResult{}, err
	}

	fingerprint := cryptoutils.Fingerprint(material)
	result := RestoreResult{
		Material:    material,
		Fingerprint: fingerprint,
		Checksum:    cryptoutils.Checksum(material),
	}

	if knownFingerprint == "" {
		// Reconstructed but unverified; the caller must treat it that way.
		return result, nil
	}
	if fingerprint != knownFingerprint {
		return RestoreResult{}, fmt.Errorf("%w: got %s, want %s",
			interfaces.ErrFingerprintMismatch, fingerprint, knownFingerprint)
	}

	result.Verified = true
	return result, nil
}

// ReimportRestoredKey installs a reconstructed master key into a key
// hierarchy, for recovery onto a standby instance that never held the
// original. Only verified reconstructions are accepted.
func ReimportRestoredKey(keys *keytree.Hierarchy, keyType interfaces.KeyType, result RestoreResult) (*keytree.Key, error) {
	if !result.Verified {
		return nil, fmt.Errorf("%w: refusing to import an unverified reconstruction", interfaces.ErrFingerprintMismatch)
	}
	return keys.ImportRoot(keyType, result.Material, interfaces.GenerationReconstructed)
}

// slotByCustodian resolves a slot by custodian ID. Caller holds mu.
func (c *Ceremony) slotByCustodian(id interfaces.CustodianID) *Slot {
	for _, slot := range c.Slots {
		if slot.Custodian.ID == id {
			return slot
		}
	}
	return nil
}
