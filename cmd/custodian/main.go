package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/keymint/hsm-key-management-backend/ceremony"
	"github.com/keymint/hsm-key-management-backend/cmd/flags"
)

var CustodianServiceLogFlag = flags.LogServiceFlagFn("custodian-cli")

var ServerAddrFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "HSM backend API address",
}

var TokenFlag = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "single-use contribution token",
}

func main() {
	app := &cli.App{
		Name:  "custodian",
		Usage: "Ceremony participation tool for key custodians",
		Flags: []cli.Flag{
			ServerAddrFlag,
			CustodianServiceLogFlag,
			flags.LogJsonFlag,
			flags.LogDebugFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "Verify a contribution token and show the assigned slot",
				Flags: []cli.Flag{TokenFlag},
				Action: func(cCtx *cli.Context) error {
					return runVerify(cCtx)
				},
			},
			{
				Name:  "contribute",
				Usage: "Submit a passphrase contribution for a ceremony slot",
				Flags: []cli.Flag{TokenFlag},
				Action: func(cCtx *cli.Context) error {
					return runContribute(cCtx)
				},
			},
			{
				Name:      "inspect-share",
				Usage:     "Parse a share export document and show its fields",
				ArgsUsage: "<export-file>",
				Action: func(cCtx *cli.Context) error {
					return runInspectShare(cCtx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func runVerify(cCtx *cli.Context) error {
	url := fmt.Sprintf("%s/api/custodian/tokens/%s",
		cCtx.String(ServerAddrFlag.Name), cCtx.String(TokenFlag.Name))

	resp, err := httpClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token verification failed: %s", bytes.TrimSpace(body))
	}

	var info ceremony.TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Ceremony:  %s (%s)\n", info.CeremonyName, info.CeremonyID)
	fmt.Printf("Slot:      %d (%s)\n", info.Ordinal, info.SlotStatus)
	fmt.Printf("Custodian: %s\n", info.Email)
	fmt.Printf("Deadline:  %s\n", info.Deadline.Format(time.RFC3339))
	return nil
}

func runContribute(cCtx *cli.Context) error {
	// The passphrase is read from stdin, never from argv, so it stays out of
	// shell history and the process table.
	fmt.Fprint(os.Stderr, "Enter passphrase: ")
	passphrase, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"token":      cCtx.String(TokenFlag.Name),
		"passphrase": string(bytes.TrimRight(passphrase, "\r\n")),
	})
	if err != nil {
		return err
	}

	url := cCtx.String(ServerAddrFlag.Name) + "/api/custodian/contributions"
	resp, err := httpClient().Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("contribution rejected: %s", bytes.TrimSpace(body))
	}

	var receipt ceremony.ContributionReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Contribution recorded for slot %d\n", receipt.Ordinal)
	fmt.Printf("Strength:    %s (score %.1f)\n", receipt.Strength, receipt.EntropyScore)
	fmt.Printf("Fingerprint: %s\n", receipt.Fingerprint)
	fmt.Printf("Progress:    %d of %d required contributions\n", receipt.Contributed, receipt.Required)
	return nil
}

func runInspectShare(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one export file argument")
	}

	doc, err := os.ReadFile(cCtx.Args().First())
	if err != nil {
		return fmt.Errorf("failed to read export file: %w", err)
	}

	export, err := ceremony.ParseShareExport(string(doc))
	if err != nil {
		return fmt.Errorf("invalid share export: %w", err)
	}

	fmt.Printf("Share-ID:     %s\n", export.ShareID)
	fmt.Printf("Share:        %d of %d (threshold %d)\n", export.ShareIndex, export.TotalShares, export.Threshold)
	fmt.Printf("Ceremony:     %s (%s)\n", export.CeremonyName, export.CeremonyID)
	fmt.Printf("Custodian:    %s\n", export.CustodianEmail)
	fmt.Printf("Fingerprint:  %s\n", export.Fingerprint)
	fmt.Printf("Payload size: %d bytes (encrypted)\n", len(export.Payload))
	return nil
}
