package ceremony

import (
	"strings"
	"testing"

	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareExportRoundTrip(t *testing.T) {
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	export := ShareExport{
		ShareID:        "f81d4fae-7dec-11d0-a765-00a0c91e6bf6",
		ShareIndex:     2,
		TotalShares:    5,
		Threshold:      3,
		CeremonyID:     interfaces.NewCeremonyID(),
		CeremonyName:   "lmk-initialization",
		CustodianEmail: "b@bank.example",
		Fingerprint:    "deadbeef",
		Payload:        payload,
	}

	doc := export.Render()
	assert.Contains(t, doc, "-----BEGIN ENCRYPTED SHARE-----")
	assert.Contains(t, doc, "-----END ENCRYPTED SHARE-----")
	assert.Contains(t, doc, "Share: 2 of 5")
	assert.Contains(t, doc, "Threshold: 3 shares required")

	parsed, err := ParseShareExport(doc)
	require.NoError(t, err)
	assert.Equal(t, export.ShareID, parsed.ShareID)
	assert.Equal(t, export.ShareIndex, parsed.ShareIndex)
	assert.Equal(t, export.TotalShares, parsed.TotalShares)
	assert.Equal(t, export.Threshold, parsed.Threshold)
	assert.Equal(t, export.CeremonyID, parsed.CeremonyID)
	assert.Equal(t, export.CeremonyName, parsed.CeremonyName)
	assert.Equal(t, export.CustodianEmail, parsed.CustodianEmail)
	assert.Equal(t, export.Fingerprint, parsed.Fingerprint)
	assert.Equal(t, export.Payload, parsed.Payload)
}

func TestParseShareExportMalformed(t *testing.T) {
	_, err := ParseShareExport("not an export document")
	assert.Error(t, err)

	// Payload block present but header fields missing.
	doc := strings.Join([]string{
		"-----BEGIN ENCRYPTED SHARE-----",
		"aGVsbG8=",
		"-----END ENCRYPTED SHARE-----",
	}, "\n")
	_, err = ParseShareExport(doc)
	assert.Error(t, err)

	// Missing end marker.
	doc = strings.Join([]string{
		"Share: 1 of 3",
		"Threshold: 2 shares required",
		"-----BEGIN ENCRYPTED SHARE-----",
		"aGVsbG8=",
	}, "\n")
	_, err = ParseShareExport(doc)
	assert.Error(t, err)

	// Payload that is not base64.
	doc = strings.Join([]string{
		"Share: 1 of 3",
		"Threshold: 2 shares required",
		"-----BEGIN ENCRYPTED SHARE-----",
		"!!! not base64 !!!",
		"-----END ENCRYPTED SHARE-----",
	}, "\n")
	_, err = ParseShareExport(doc)
	assert.Error(t, err)
}

func TestExportParsedPayloadDecryptable(t *testing.T) {
	e := newTestEngine(t)
	snapshot, tokens := createTestCeremony(t, e, 3, 2)

	passphrases := []string{
		"first custodian passphrase",
		"second custodian passphrase",
		"third custodian passphrase",
	}
	for i, token := range tokens {
		_, err := e.SubmitContribution(token, passphrases[i])
		require.NoError(t, err)
	}
	result, err := e.GenerateMasterKey(snapshot.ID)
	require.NoError(t, err)

	// Render each export, parse it back, and restore from the parsed payloads.
	status, err := e.Status(snapshot.ID)
	require.NoError(t, err)
	c, err := e.get(status.ID)
	require.NoError(t, err)

	inputs := make([]RecoveredShareInput, 0, 2)
	for i := 0; i < 2; i++ {
		doc := BuildShareExport(c, result, result.Shares[i]).Render()
		parsed, err := ParseShareExport(doc)
		require.NoError(t, err)
		inputs = append(inputs, RecoveredShareInput{
			CustodianID: result.Shares[i].CustodianID,
			Passphrase:  passphrases[i],
			Payload:     parsed.Payload,
		})
	}

	restored, err := e.RestoreMasterKey(snapshot.ID, inputs)
	require.NoError(t, err)
	assert.True(t, restored.Verified)
	assert.Equal(t, result.Fingerprint, restored.Fingerprint)
}
