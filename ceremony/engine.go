package ceremony

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/keymint/hsm-key-management-backend/cryptoutils"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/keymint/hsm-key-management-backend/sharing"
)

const slotSaltSize = 16

// Engine drives key ceremonies from creation through contribution collection
// to master key generation and share distribution.
type Engine struct {
	mu         sync.RWMutex
	ceremonies map[interfaces.CeremonyID]*Ceremony

	// tokens is a TTL index from contribution token to ceremony ID. Entries
	// expire with the ceremony deadline; the entity graph stays the source
	// of truth, so a cache miss falls back to a scan to distinguish expired
	// tokens from unknown ones.
	tokens *gocache.Cache

	keys    *keytree.Hierarchy
	exports interfaces.StorageBackend // optional, for offline share custody
	log     *slog.Logger
}

// NewEngine creates a ceremony engine on top of the given key hierarchy.
// exports may be nil; share export persistence is then skipped.
func NewEngine(keys *keytree.Hierarchy, exports interfaces.StorageBackend, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ceremonies: make(map[interfaces.CeremonyID]*Ceremony),
		tokens:     gocache.New(gocache.NoExpiration, 10*time.Minute),
		keys:       keys,
		exports:    exports,
		log:        log,
	}
}

// CreateRequest carries the parameters for a new ceremony.
type CreateRequest struct {
	Name       string
	Purpose    string
	Type       interfaces.CeremonyType
	KeyType    interfaces.KeyType
	KeySize    int
	N          int
	K          int
	Deadline   time.Time
	Custodians []Custodian
}

// Create validates the request, assigns one single-use token per custodian
// slot and moves the ceremony to AwaitingContributions.
func (e *Engine) Create(req CreateRequest) (StatusSnapshot, []string, error) {
	if req.K < 2 || req.K > req.N {
		return StatusSnapshot{}, nil, fmt.Errorf("%w: n=%d k=%d", interfaces.ErrInvalidThreshold, req.N, req.K)
	}
	if len(req.Custodians) != req.N {
		return StatusSnapshot{}, nil, fmt.Errorf("%w: %d custodians for n=%d",
			interfaces.ErrCustodianCountMismatch, len(req.Custodians), req.N)
	}
	for _, custodian := range req.Custodians {
		if !custodian.Active {
			return StatusSnapshot{}, nil, fmt.Errorf("%w: %s", interfaces.ErrInactiveCustodian, custodian.ID)
		}
	}
	if !req.KeyType.IsRoot() {
		return StatusSnapshot{}, nil, fmt.Errorf("%w: ceremonies mint root keys, not %s",
			interfaces.ErrWrongParentType, req.KeyType)
	}
	if req.KeySize <= 0 {
		req.KeySize = keytree.DefaultKeySize
	}
	if req.KeySize > sharing.MaxSecretLen {
		// Anything larger would pass contribution collection and then fail
		// every generation attempt at the split.
		return StatusSnapshot{}, nil, fmt.Errorf("%w: %d-byte keys cannot be split, max %d",
			interfaces.ErrSecretTooLarge, req.KeySize, sharing.MaxSecretLen)
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(72 * time.Hour)
	}

	c := &Ceremony{
		ID:        interfaces.NewCeremonyID(),
		Name:      req.Name,
		Purpose:   req.Purpose,
		Type:      req.Type,
		Status:    interfaces.CeremonyPending,
		N:         req.N,
		K:         req.K,
		KeyType:   req.KeyType,
		KeySize:   req.KeySize,
		Deadline:  req.Deadline,
		CreatedAt: time.Now().UTC(),
	}

	tokens := make([]string, req.N)
	for i, custodian := range req.Custodians {
		token, err := cryptoutils.NewToken()
		if err != nil {
			return StatusSnapshot{}, nil, err
		}
		salt, err := cryptoutils.RandomBytes(slotSaltSize)
		if err != nil {
			return StatusSnapshot{}, nil, err
		}
		c.Slots = append(c.Slots, &Slot{
			Ordinal:   i + 1,
			Custodian: custodian,
			Token:     token,
			Salt:      salt,
			Status:    interfaces.SlotPending,
		})
		tokens[i] = token
	}

	c.Status = interfaces.CeremonyAwaitingContributions

	e.mu.Lock()
	e.ceremonies[c.ID] = c
	e.mu.Unlock()

	for _, token := range tokens {
		e.tokens.Set(token, c.ID, time.Until(c.Deadline))
	}

	e.log.Info("Ceremony created",
		"ceremonyID", string(c.ID), "name", c.Name,
		"n", c.N, "k", c.K, "keyType", c.KeyType.String())

	return c.snapshot(), tokens, nil
}

// TokenInfo describes the slot a token belongs to, for custodian UIs.
type TokenInfo struct {
	CeremonyID   interfaces.CeremonyID `json:"ceremony_id"`
	CeremonyName string                `json:"ceremony_name"`
	Ordinal      int                   `json:"ordinal"`
	Email        string                `json:"email"`
	SlotStatus   interfaces.SlotStatus `json:"slot_status"`
	Deadline     time.Time             `json:"deadline"`
}

// VerifyToken resolves a contribution token without consuming it.
func (e *Engine) VerifyToken(token string) (TokenInfo, error) {
	c, err := e.ceremonyForToken(token)
	if err != nil {
		return TokenInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot := c.slotByToken(token)
	if slot == nil {
		return TokenInfo{}, interfaces.ErrInvalidToken
	}
	return TokenInfo{
		CeremonyID:   c.ID,
		CeremonyName: c.Name,
		Ordinal:      slot.Ordinal,
		Email:        slot.Custodian.Email,
		SlotStatus:   slot.Status,
		Deadline:     c.Deadline,
	}, nil
}

// ContributionReceipt is returned to a custodian on successful submission.
type ContributionReceipt struct {
	CeremonyID   interfaces.CeremonyID `json:"ceremony_id"`
	Ordinal      int                   `json:"ordinal"`
	EntropyScore float64               `json:"entropy_score"`
	Strength     string                `json:"strength"`
	Fingerprint  string                `json:"fingerprint"`
	Contributed  int                   `json:"contributed"`
	Required     int                   `json:"required"`
}

// SubmitContribution records a custodian's passphrase against the slot the
// token resolves to. The passphrase is hashed with a memory-hard algorithm and
// discarded; the minimum length is a hard gate while the entropy score is
// advisory.
func (e *Engine) SubmitContribution(token, passphrase string) (ContributionReceipt, error) {
	c, err := e.ceremonyForToken(token)
	if err != nil {
		return ContributionReceipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot := c.slotByToken(token)
	if slot == nil {
		return ContributionReceipt{}, interfaces.ErrInvalidToken
	}
	if slot.Status == interfaces.SlotContributed {
		return ContributionReceipt{}, fmt.Errorf("%w: slot %d", interfaces.ErrDuplicateContribution, slot.Ordinal)
	}
	if !c.accepting() {
		return ContributionReceipt{}, fmt.Errorf("%w: ceremony is %s", interfaces.ErrCeremonyNotAccepting, c.Status)
	}
	if time.Now().After(c.Deadline) {
		c.Status = interfaces.CeremonyExpired
		for _, s := range c.Slots {
			if s.Status != interfaces.SlotContributed {
				s.Status = interfaces.SlotExpired
			}
		}
		e.log.Warn("Ceremony expired on contribution attempt", "ceremonyID", string(c.ID))
		return ContributionReceipt{}, interfaces.ErrDeadlineExpired
	}

	passphrase = cryptoutils.NormalizePassphrase(passphrase)
	if len(passphrase) < cryptoutils.MinPassphraseLength {
		return ContributionReceipt{}, fmt.Errorf("%w: need at least %d characters",
			interfaces.ErrPassphraseTooShort, cryptoutils.MinPassphraseLength)
	}

	score := cryptoutils.EntropyScore(passphrase)
	hash := cryptoutils.HashPassphrase(passphrase, slot.Salt)

	slot.Contribution = &Contribution{
		PassphraseHash: hash,
		EntropyScore:   score,
		Strength:       cryptoutils.StrengthLabel(score),
		Fingerprint:    cryptoutils.Fingerprint(hash),
		CreatedAt:      time.Now().UTC(),
	}
	slot.Status = interfaces.SlotContributed

	if c.Status == interfaces.CeremonyAwaitingContributions {
		c.Status = interfaces.CeremonyPartialContributions
	}

	contributed := c.contributedCount()
	e.log.Info("Contribution recorded",
		"ceremonyID", string(c.ID), "ordinal", slot.Ordinal,
		"contributed", contributed, "threshold", c.K, "strength", slot.Contribution.Strength)

	return ContributionReceipt{
		CeremonyID:   c.ID,
		Ordinal:      slot.Ordinal,
		EntropyScore: score,
		Strength:     slot.Contribution.Strength,
		Fingerprint:  slot.Contribution.Fingerprint,
		Contributed:  contributed,
		Required:     c.K,
	}, nil
}

// GenerationResult reports a completed master key generation.
type GenerationResult struct {
	CeremonyID  interfaces.CeremonyID
	KeyID       interfaces.KeyID
	KeyType     interfaces.KeyType
	Fingerprint string
	Checksum    string
	Shares      []EncryptedShare
}

// GenerateMasterKey derives the root key from the collected contributions,
// splits it into one share per slot and completes the ceremony. Requires at
// least K contributions. On any failure the ceremony reverts to
// PartialContributions so a retry is possible without re-collecting
// contributions; it is never left in GeneratingKey.
func (e *Engine) GenerateMasterKey(id interfaces.CeremonyID) (GenerationResult, error) {
	c, err := e.get(id)
	if err != nil {
		return GenerationResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status.Terminal() || c.Status == interfaces.CeremonyGeneratingKey {
		return GenerationResult{}, fmt.Errorf("%w: ceremony is %s", interfaces.ErrCeremonyNotAccepting, c.Status)
	}
	contributed := c.contributedCount()
	if contributed < c.K {
		return GenerationResult{}, fmt.Errorf("%w: have %d, need %d",
			interfaces.ErrInsufficientContributions, contributed, c.K)
	}

	c.Status = interfaces.CeremonyGeneratingKey

	result, err := e.generate(c)
	if err != nil {
		// Resumable pre-failure state, never a half-done GeneratingKey.
		c.Status = interfaces.CeremonyPartialContributions
		e.log.Error("Master key generation failed", "ceremonyID", string(c.ID), "err", err)
		return GenerationResult{}, err
	}

	c.KeyID = result.KeyID
	c.Shares = result.Shares
	c.Status = interfaces.CeremonyCompleted
	c.CompletedAt = time.Now().UTC()

	e.log.Info("Ceremony completed",
		"ceremonyID", string(c.ID), "keyID", string(result.KeyID),
		"shares", len(result.Shares), "threshold", c.K)

	e.persistExports(c, result)
	return result, nil
}

// generate performs the cryptographic work of key generation. Caller holds the
// ceremony lock and handles status transitions.
func (e *Engine) generate(c *Ceremony) (GenerationResult, error) {
	// Combined entropy: every contributed passphrase hash, in slot order.
	var combined []byte
	for _, slot := range c.Slots {
		if slot.Status == interfaces.SlotContributed {
			combined = append(combined, slot.Contribution.PassphraseHash...)
		}
	}

	salt, err := cryptoutils.RandomBytes(32)
	if err != nil {
		return GenerationResult{}, err
	}
	material := cryptoutils.DeriveKey(combined, salt, cryptoutils.DefaultKDFIterations, c.KeySize)

	shares, err := sharing.Split(material, c.N, c.K)
	if err != nil {
		return GenerationResult{}, err
	}

	// Every custodian receives a share, including slots beyond the
	// threshold and slots that did not contribute.
	encrypted := make([]EncryptedShare, len(shares))
	for i, share := range shares {
		slot := c.Slots[i]

		plain, err := json.Marshal(share)
		if err != nil {
			return GenerationResult{}, fmt.Errorf("failed to serialize share %d: %w", share.Index, err)
		}

		var contributionHash []byte
		if slot.Contribution != nil {
			contributionHash = slot.Contribution.PassphraseHash
		}
		wrapKey := ShareWrapKey(c.ID, slot.Custodian.ID, slot.Salt, contributionHash)

		payload, err := cryptoutils.EncryptWithKey(wrapKey, plain)
		if err != nil {
			return GenerationResult{}, fmt.Errorf("failed to encrypt share %d: %w", share.Index, err)
		}

		sum := sha256.Sum256(plain)
		encrypted[i] = EncryptedShare{
			ShareIndex:       share.Index,
			CustodianID:      slot.Custodian.ID,
			Email:            slot.Custodian.Email,
			Payload:          payload,
			VerificationHash: hex.EncodeToString(sum[:]),
		}
	}

	// The key enters the hierarchy last: a failure in any step above leaves
	// no Active key behind, so the caller's revert keeps retries clean.
	key, err := e.keys.ImportRoot(c.KeyType, material, interfaces.GenerationPbkdfDerived)
	if err != nil {
		return GenerationResult{}, err
	}

	return GenerationResult{
		CeremonyID:  c.ID,
		KeyID:       key.ID,
		KeyType:     key.Type,
		Fingerprint: key.Fingerprint,
		Checksum:    key.Checksum,
		Shares:      encrypted,
	}, nil
}

// ShareWrapKey derives the per-custodian share encryption key from the
// ceremony ID, custodian identity and, when the custodian contributed, their
// passphrase hash. Recovery re-derives it from the re-entered passphrase.
func ShareWrapKey(ceremonyID interfaces.CeremonyID, custodianID interfaces.CustodianID, salt, contributionHash []byte) []byte {
	password := []byte(fmt.Sprintf("%s:%s:", ceremonyID, custodianID))
	password = append(password, contributionHash...)
	return cryptoutils.DeriveKey(password, salt, cryptoutils.DefaultKDFIterations, 32)
}

// Status returns a snapshot of the ceremony.
func (e *Engine) Status(id interfaces.CeremonyID) (StatusSnapshot, error) {
	c, err := e.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

// Shares returns the encrypted shares of a completed ceremony.
func (e *Engine) Shares(id interfaces.CeremonyID) ([]EncryptedShare, error) {
	c, err := e.get(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status != interfaces.CeremonyCompleted {
		return nil, fmt.Errorf("%w: ceremony is %s", interfaces.ErrCeremonyNotAccepting, c.Status)
	}
	return append([]EncryptedShare(nil), c.Shares...), nil
}

// Cancel moves a non-terminal ceremony to Cancelled. Subsequent contribution
// attempts fail deterministically.
func (e *Engine) Cancel(id interfaces.CeremonyID, reason string) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status.Terminal() {
		return fmt.Errorf("%w: ceremony is %s", interfaces.ErrCeremonyNotAccepting, c.Status)
	}
	c.Status = interfaces.CeremonyCancelled
	c.CancelReason = reason
	e.log.Warn("Ceremony cancelled", "ceremonyID", string(c.ID), "reason", reason)
	return nil
}

func (e *Engine) get(id interfaces.CeremonyID) (*Ceremony, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, found := e.ceremonies[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownCeremony, id)
	}
	return c, nil
}

// ceremonyForToken resolves a token to its ceremony, first through the TTL
// index, then by scanning (so an expired index entry still reports
// DeadlineExpired rather than InvalidToken).
func (e *Engine) ceremonyForToken(token string) (*Ceremony, error) {
	if id, found := e.tokens.Get(token); found {
		return e.get(id.(interfaces.CeremonyID))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.ceremonies {
		c.mu.Lock()
		slot := c.slotByToken(token)
		c.mu.Unlock()
		if slot != nil {
			return c, nil
		}
	}
	return nil, interfaces.ErrInvalidToken
}

// persistExports writes share export documents to the configured storage
// backend. Best effort: export storage is an external concern and must not
// fail the ceremony.
func (e *Engine) persistExports(c *Ceremony, result GenerationResult) {
	if e.exports == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, share := range result.Shares {
		doc := BuildShareExport(c, result, share)
		id, err := e.exports.Store(ctx, []byte(doc.Render()), interfaces.ShareExportType)
		if err != nil {
			e.log.Warn("Failed to persist share export",
				"ceremonyID", string(c.ID), "shareIndex", share.ShareIndex, "err", err)
			continue
		}
		e.log.Info("Share export persisted",
			"ceremonyID", string(c.ID), "shareIndex", share.ShareIndex,
			"contentID", id.String(), "backend", e.exports.Name())
	}
}
