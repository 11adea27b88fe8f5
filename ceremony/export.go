package ceremony

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// Share export document markers. The text format is a compatibility contract
// for offline recovery: export then parse must reproduce the share index,
// threshold and encrypted payload exactly.
const (
	beginShareMarker = "-----BEGIN ENCRYPTED SHARE-----"
	endShareMarker   = "-----END ENCRYPTED SHARE-----"

	exportHeader = "HSM MASTER KEY SHARE"
)

// ShareExport is the printable custody document handed to a custodian.
type ShareExport struct {
	ShareID        string
	ShareIndex     int
	TotalShares    int
	Threshold      int
	CeremonyID     interfaces.CeremonyID
	CeremonyName   string
	CustodianEmail string
	Fingerprint    string
	Payload        []byte // encrypted share payload
}

// BuildShareExport assembles the export document for one encrypted share.
// Caller holds the ceremony lock.
func BuildShareExport(c *Ceremony, result GenerationResult, share EncryptedShare) ShareExport {
	return ShareExport{
		ShareID:        uuid.Must(uuid.NewRandom()).String(),
		ShareIndex:     share.ShareIndex,
		TotalShares:    c.N,
		Threshold:      c.K,
		CeremonyID:     c.ID,
		CeremonyName:   c.Name,
		CustodianEmail: share.Email,
		Fingerprint:    result.Fingerprint,
		Payload:        share.Payload,
	}
}

// Render produces the text form of the export.
func (s ShareExport) Render() string {
	var b strings.Builder
	fmt.Fprintln(&b, exportHeader)
	fmt.Fprintf(&b, "Share-ID: %s\n", s.ShareID)
	fmt.Fprintf(&b, "Share: %d of %d\n", s.ShareIndex, s.TotalShares)
	fmt.Fprintf(&b, "Threshold: %d shares required\n", s.Threshold)
	fmt.Fprintf(&b, "Ceremony-ID: %s\n", s.CeremonyID)
	fmt.Fprintf(&b, "Ceremony-Name: %s\n", s.CeremonyName)
	fmt.Fprintf(&b, "Custodian-Email: %s\n", s.CustodianEmail)
	fmt.Fprintf(&b, "Master-Key-Fingerprint: %s\n", s.Fingerprint)
	fmt.Fprintln(&b, beginShareMarker)

	encoded := base64.StdEncoding.EncodeToString(s.Payload)
	for len(encoded) > 64 {
		fmt.Fprintln(&b, encoded[:64])
		encoded = encoded[64:]
	}
	fmt.Fprintln(&b, encoded)
	fmt.Fprintln(&b, endShareMarker)
	return b.String()
}

// ParseShareExport parses a rendered export document back into its fields.
func ParseShareExport(doc string) (ShareExport, error) {
	var export ShareExport
	var payloadLines []string
	inPayload := false
	sawEnd := false

	scanner := bufio.NewScanner(strings.NewReader(doc))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == beginShareMarker:
			inPayload = true
		case line == endShareMarker:
			inPayload = false
			sawEnd = true
		case inPayload:
			payloadLines = append(payloadLines, line)
		case strings.HasPrefix(line, "Share-ID:"):
			export.ShareID = strings.TrimSpace(strings.TrimPrefix(line, "Share-ID:"))
		case strings.HasPrefix(line, "Share:"):
			if _, err := fmt.Sscanf(line, "Share: %d of %d", &export.ShareIndex, &export.TotalShares); err != nil {
				return ShareExport{}, fmt.Errorf("malformed share line %q: %w", line, err)
			}
		case strings.HasPrefix(line, "Threshold:"):
			if _, err := fmt.Sscanf(line, "Threshold: %d shares required", &export.Threshold); err != nil {
				return ShareExport{}, fmt.Errorf("malformed threshold line %q: %w", line, err)
			}
		case strings.HasPrefix(line, "Ceremony-ID:"):
			export.CeremonyID = interfaces.CeremonyID(strings.TrimSpace(strings.TrimPrefix(line, "Ceremony-ID:")))
		case strings.HasPrefix(line, "Ceremony-Name:"):
			export.CeremonyName = strings.TrimSpace(strings.TrimPrefix(line, "Ceremony-Name:"))
		case strings.HasPrefix(line, "Custodian-Email:"):
			export.CustodianEmail = strings.TrimSpace(strings.TrimPrefix(line, "Custodian-Email:"))
		case strings.HasPrefix(line, "Master-Key-Fingerprint:"):
			export.Fingerprint = strings.TrimSpace(strings.TrimPrefix(line, "Master-Key-Fingerprint:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return ShareExport{}, err
	}

	if !sawEnd || len(payloadLines) == 0 {
		return ShareExport{}, fmt.Errorf("missing encrypted share block")
	}
	if export.ShareIndex == 0 || export.Threshold == 0 {
		return ShareExport{}, fmt.Errorf("missing share index or threshold")
	}

	payload, err := base64.StdEncoding.DecodeString(strings.Join(payloadLines, ""))
	if err != nil {
		return ShareExport{}, fmt.Errorf("invalid share payload encoding: %w", err)
	}
	export.Payload = payload

	return export, nil
}
