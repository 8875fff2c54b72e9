package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/httpserver"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/urfave/cli/v2"
)

var (
	flagAdminURL = &cli.StringFlag{
		Name:  "admin-url",
		Value: "http://127.0.0.1:8080/admin",
		Usage: "base URL of the daemon's admin API",
	}
	flagAdminPrivkey = &cli.StringFlag{
		Name:  "admin-privkey-file",
		Value: "admin-private.hex",
		Usage: "hex private key of the administrator",
	}
	flagAdminPubkey = &cli.StringFlag{
		Name:  "admin-pubkey-file",
		Value: "admin-public.hex",
		Usage: "hex public key of the administrator",
	}
	flagShareFile = &cli.StringFlag{
		Name:  "share-file",
		Value: "admin-share.json",
		Usage: "where the administrator's opened share is kept",
	}
	flagThreshold = &cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of shares needed to reconstruct the master key",
	}
)

// storedShare is an administrator's opened share as kept on disk.
type storedShare struct {
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

func loadAdminKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	d, err := readHexFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, fmt.Errorf("could not read admin key: %w", err)
	}
	return cryptoutils.ParsePrivateKey(d)
}

// adminCall sends a signed admin request and decodes the response into out.
func adminCall(cCtx *cli.Context, method, path string, body, out any) error {
	key, err := loadAdminKey(cCtx)
	if err != nil {
		return err
	}

	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return err
		}
	}

	url := strings.TrimSuffix(cCtx.String(flagAdminURL.Name), "/") + path
	req, err := http.NewRequestWithContext(cCtx.Context, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := httpserver.SignAdminRequest(req, key, data); err != nil {
		return err
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func adminCommands() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Bootstrap the daemon's master key with Shamir shares",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate an administrator key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					key, err := cryptoutils.GenerateKey()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(hex.EncodeToString(cryptoutils.PrivateKeyBytes(key))+"\n"), 0o600); err != nil {
						return err
					}
					pub := hex.EncodeToString(cryptoutils.PublicKeyBytes(key))
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(pub+"\n"), 0o644); err != nil {
						return err
					}
					fmt.Println(pub)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Print the bootstrap state",
				Flags: []cli.Flag{flagAdminURL, flagAdminPrivkey},
				Action: func(cCtx *cli.Context) error {
					var status httpserver.StatusResponse
					if err := adminCall(cCtx, http.MethodGet, "/status", nil, &status); err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate",
				Usage: "Generate a new master key and split it among the administrators",
				Flags: []cli.Flag{flagAdminURL, flagAdminPrivkey, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					var status httpserver.StatusResponse
					req := httpserver.InitRequest{Threshold: cCtx.Int(flagThreshold.Name)}
					if err := adminCall(cCtx, http.MethodPost, "/init/generate", req, &status); err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "recover",
				Usage: "Start reconstructing the master key from shares",
				Flags: []cli.Flag{flagAdminURL, flagAdminPrivkey, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					var status httpserver.StatusResponse
					req := httpserver.InitRequest{Threshold: cCtx.Int(flagThreshold.Name)}
					if err := adminCall(cCtx, http.MethodPost, "/init/recover", req, &status); err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "get-share",
				Usage: "Retrieve, open and save this administrator's share",
				Flags: []cli.Flag{flagAdminURL, flagAdminPrivkey, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					var res httpserver.ShareResponse
					if err := adminCall(cCtx, http.MethodGet, "/share", nil, &res); err != nil {
						return err
					}
					key, err := loadAdminKey(cCtx)
					if err != nil {
						return err
					}
					share, err := httpserver.OpenShare(key, res.SealedShare)
					if err != nil {
						return err
					}
					data, err := json.Marshal(storedShare{ShareIndex: res.ShareIndex, Share: share})
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagShareFile.Name), data, 0o600); err != nil {
						return err
					}
					fmt.Printf("share %d saved to %s\n", res.ShareIndex, cCtx.String(flagShareFile.Name))
					return nil
				},
			},
			{
				Name:  "submit-share",
				Usage: "Submit this administrator's share during recovery",
				Flags: []cli.Flag{flagAdminURL, flagAdminPrivkey, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					var stored storedShare
					if err := readJSONFile(cCtx.String(flagShareFile.Name), &stored); err != nil {
						return err
					}
					key, err := loadAdminKey(cCtx)
					if err != nil {
						return err
					}
					sig, err := kms.SignShare(stored.Share, key)
					if err != nil {
						return err
					}

					var status httpserver.StatusResponse
					if err := adminCall(cCtx, http.MethodPost, "/share", httpserver.SubmitShareRequest{
						ShareIndex: stored.ShareIndex,
						Share:      stored.Share,
						Signature:  sig,
					}, &status); err != nil {
						return err
					}
					return printJSON(status)
				},
			},
		},
	}
}
