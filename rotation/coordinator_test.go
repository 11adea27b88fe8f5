package rotation

import (
	"testing"

	"github.com/keymint/hsm-key-management-backend/cryptoutils"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDerived(t *testing.T) (*keytree.Hierarchy, *Coordinator, *keytree.Key) {
	t.Helper()
	keys := keytree.NewHierarchy(nil)
	tmk, err := keys.GenerateRoot(interfaces.KeyTypeTMK, 32)
	require.NoError(t, err)
	tpk, err := keys.Derive(tmk.ID, interfaces.KeyTypeTPK, "TRM-001")
	require.NoError(t, err)
	return keys, NewCoordinator(keys, nil, nil), tpk
}

func setupRoot(t *testing.T, participants int) (*keytree.Hierarchy, *Coordinator, *keytree.Key) {
	t.Helper()
	keys := keytree.NewHierarchy(nil)
	tmk, err := keys.GenerateRoot(interfaces.KeyTypeTMK, 32)
	require.NoError(t, err)

	resolver := NewStaticResolver()
	for i := 0; i < participants; i++ {
		resolver.Register(tmk.ID, Dependent{
			ID:   interfaces.ParticipantID("TRM-00" + string(rune('1'+i))),
			Kind: interfaces.ParticipantTerminal,
		})
	}
	return keys, NewCoordinator(keys, resolver, nil), tmk
}

func TestInitiateRequiresActiveKey(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	require.NoError(t, keys.Transition(tpk.ID, interfaces.KeyStatusRevoked))
	_, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotActive)

	_, err = c.Initiate("no-such-key", interfaces.RotationScheduled, "routine")
	assert.ErrorIs(t, err, interfaces.ErrUnknownKey)
}

func TestDerivedKeyRotation(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RotationInProgress, snapshot.Status)
	require.Len(t, snapshot.Participants, 1)
	assert.Equal(t, interfaces.ParticipantID("TRM-001"), snapshot.Participants[0].ID)
	assert.Equal(t, interfaces.ParticipantPending, snapshot.Participants[0].Status)

	// The replacement is a distinct key of the same type at the next
	// generation, linked back to the old one.
	newKey, err := keys.Get(snapshot.NewKeyID)
	require.NoError(t, err)
	assert.Equal(t, tpk.Type, newKey.Type)
	assert.Equal(t, tpk.ParentID, newKey.ParentID)
	assert.Equal(t, 2, newKey.Generation)
	assert.Equal(t, tpk.ID, newKey.RotatedFrom)
	assert.NotEqual(t, tpk.Material, newKey.Material)
}

func TestDeliverAndConfirmSingleParticipant(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)

	pkg, err := c.Deliver(snapshot.ID, "TRM-001", tpk.Checksum)
	require.NoError(t, err)
	assert.False(t, pkg.GraceDeadline.IsZero())

	// The payload decrypts under a key derived from the old material.
	wrapKey := DeliveryWrapKey(snapshot.ID, "TRM-001", tpk.Material)
	plain, err := cryptoutils.DecryptWithKey(wrapKey, pkg.Payload)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.Checksum(plain), pkg.NewChecksum)

	newKey, err := keys.Get(snapshot.NewKeyID)
	require.NoError(t, err)
	assert.Equal(t, newKey.Material, plain)

	// Confirmation from the only participant auto-completes the rotation.
	status, err := c.Confirm(snapshot.ID, "TRM-001")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RotationCompleted, status.Status)

	oldKey, err := keys.Get(tpk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRotated, oldKey.Status)
}

func TestDeliverChecksumMismatch(t *testing.T) {
	_, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationEmergency, "suspected compromise")
	require.NoError(t, err)

	_, err = c.Deliver(snapshot.ID, "TRM-001", "ffffff")
	assert.ErrorIs(t, err, interfaces.ErrChecksumMismatch)

	status, err := c.Status(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantFailed, status.Participants[0].Status)
	assert.Equal(t, 1, status.Participants[0].DeliveryAttempts)

	// Retry with the correct checksum succeeds and clears the failure.
	_, err = c.Deliver(snapshot.ID, "TRM-001", tpk.Checksum)
	require.NoError(t, err)

	status, err = c.Status(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantDelivered, status.Participants[0].Status)
	assert.Empty(t, status.Participants[0].FailureReason)
	assert.Equal(t, 2, status.Participants[0].DeliveryAttempts)

	_, err = c.Deliver(snapshot.ID, "TRM-999", tpk.Checksum)
	assert.ErrorIs(t, err, interfaces.ErrUnknownParticipant)
}

func TestIdempotentConfirm(t *testing.T) {
	_, c, tmk := setupRoot(t, 2)

	snapshot, err := c.Initiate(tmk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)
	require.Len(t, snapshot.Participants, 2)

	first := snapshot.Participants[0].ID
	_, err = c.Deliver(snapshot.ID, first, "")
	require.NoError(t, err)

	status, err := c.Confirm(snapshot.ID, first)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Confirmed)
	assert.Equal(t, interfaces.RotationInProgress, status.Status)

	// Confirming again is a no-op, not an error, and does not complete the
	// rotation.
	status, err = c.Confirm(snapshot.ID, first)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Confirmed)
	assert.Equal(t, interfaces.RotationInProgress, status.Status)
}

func TestAutoCompleteAtLastConfirmation(t *testing.T) {
	keys, c, tmk := setupRoot(t, 3)

	snapshot, err := c.Initiate(tmk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)
	require.Len(t, snapshot.Participants, 3)

	for i, p := range snapshot.Participants {
		_, err := c.Deliver(snapshot.ID, p.ID, "")
		require.NoError(t, err)

		status, err := c.Confirm(snapshot.ID, p.ID)
		require.NoError(t, err)

		if i < 2 {
			assert.Equal(t, interfaces.RotationInProgress, status.Status,
				"must not complete before the last confirmation")
		} else {
			assert.Equal(t, interfaces.RotationCompleted, status.Status,
				"must complete exactly at the last confirmation")
		}
	}

	oldKey, err := keys.Get(tmk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRotated, oldKey.Status)

	// No further confirmations once completed.
	_, err = c.Confirm(snapshot.ID, snapshot.Participants[0].ID)
	assert.ErrorIs(t, err, interfaces.ErrRotationNotInProgress)
}

func TestManualCompleteSkipsPending(t *testing.T) {
	keys, c, tmk := setupRoot(t, 3)

	snapshot, err := c.Initiate(tmk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)

	_, err = c.Deliver(snapshot.ID, snapshot.Participants[0].ID, "")
	require.NoError(t, err)
	_, err = c.Confirm(snapshot.ID, snapshot.Participants[0].ID)
	require.NoError(t, err)

	status, err := c.Complete(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RotationCompleted, status.Status)
	assert.True(t, status.ForceCompleted)
	assert.Equal(t, interfaces.ParticipantConfirmed, status.Participants[0].Status)
	assert.Equal(t, interfaces.ParticipantSkipped, status.Participants[1].Status)
	assert.Equal(t, interfaces.ParticipantSkipped, status.Participants[2].Status)

	oldKey, err := keys.Get(tmk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRotated, oldKey.Status)
}

func TestRollback(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)
	_, err = c.Deliver(snapshot.ID, "TRM-001", "")
	require.NoError(t, err)

	status, err := c.Rollback(snapshot.ID, "terminal rejected new key")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RotationRolledBack, status.Status)

	newKey, err := keys.Get(snapshot.NewKeyID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRevoked, newKey.Status)

	oldKey, err := keys.Get(tpk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusActive, oldKey.Status)

	// A rolled-back rotation accepts no further confirmations.
	_, err = c.Confirm(snapshot.ID, "TRM-001")
	assert.ErrorIs(t, err, interfaces.ErrRotationNotInProgress)
}

func TestRollbackAfterCompleted(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)
	_, err = c.Deliver(snapshot.ID, "TRM-001", "")
	require.NoError(t, err)
	_, err = c.Confirm(snapshot.ID, "TRM-001")
	require.NoError(t, err)

	_, err = c.Rollback(snapshot.ID, "too late")
	assert.ErrorIs(t, err, interfaces.ErrRotationCompleted)

	oldKey, err := keys.Get(tpk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRotated, oldKey.Status)
}

func TestCancel(t *testing.T) {
	keys, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)

	status, err := c.Cancel(snapshot.ID, "wrong key selected")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RotationCancelled, status.Status)

	newKey, err := keys.Get(snapshot.NewKeyID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusRevoked, newKey.Status)

	// The old key never left Active.
	oldKey, err := keys.Get(tpk.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStatusActive, oldKey.Status)
}

func TestActiveForParticipant(t *testing.T) {
	_, c, tpk := setupDerived(t)

	snapshot, err := c.Initiate(tpk.ID, interfaces.RotationScheduled, "routine")
	require.NoError(t, err)

	found, err := c.ActiveForParticipant("TRM-001")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, found.ID)

	_, err = c.ActiveForParticipant("TRM-999")
	assert.ErrorIs(t, err, interfaces.ErrUnknownRotation)
}
