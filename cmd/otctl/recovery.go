package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/octagon"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/urfave/cli/v2"
)

var flagRecoveryKey = &cli.StringFlag{
	Name:    "recovery-key",
	EnvVars: []string{"OCTAGON_RECOVERY_KEY"},
	Usage:   "printable recovery key",
}

func recoveryKeyArg(cCtx *cli.Context) (string, error) {
	key := cCtx.String(flagRecoveryKey.Name)
	if key == "" {
		key = cCtx.Args().First()
	}
	if key == "" {
		return "", errors.New("a recovery key is required")
	}
	return key, credential.ValidateRecoveryKey(key)
}

func recoveryCommands() *cli.Command {
	return &cli.Command{
		Name:  "recovery-key",
		Usage: "Generate and register account recovery keys",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Print a new random recovery key",
				Action: func(cCtx *cli.Context) error {
					key, err := credential.GenerateRecoveryKey()
					if err != nil {
						return err
					}
					fmt.Println(key)
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Check the format and checksum of a recovery key",
				ArgsUsage: "[recovery key]",
				Flags:     []cli.Flag{flagRecoveryKey},
				Action: func(cCtx *cli.Context) error {
					if _, err := recoveryKeyArg(cCtx); err != nil {
						return err
					}
					fmt.Println("valid")
					return nil
				},
			},
			{
				Name:  "set",
				Usage: "Register the recovery key with the account, replacing any previous one",
				Flags: deviceFlags(flagRecoveryKey),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					key, err := recoveryKeyArg(cCtx)
					if err != nil {
						return err
					}
					c, err := m.Container()
					if err != nil {
						return err
					}
					return c.SetRecoveryKey(ctx, key)
				}),
			},
			{
				Name:  "remove",
				Usage: "Remove the account's recovery key",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					c, err := m.Container()
					if err != nil {
						return err
					}
					return c.RemoveRecoveryKey(ctx)
				}),
			},
			{
				Name:  "check",
				Usage: "Check the recovery key against the one registered with the account",
				Flags: deviceFlags(flagRecoveryKey),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					key, err := recoveryKeyArg(cCtx)
					if err != nil {
						return err
					}
					c, err := m.Container()
					if err != nil {
						return err
					}
					if err := c.CheckRecoveryKey(ctx, key); err != nil {
						return err
					}
					fmt.Println("recovery key is registered")
					return nil
				}),
			},
			{
				Name:  "join",
				Usage: "Join the account with its recovery key",
				Flags: deviceFlags(flagRecoveryKey),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					key, err := recoveryKeyArg(cCtx)
					if err != nil {
						return err
					}
					if err := m.JoinWithRecoveryKey(ctx, prepareRequest(cCtx), key); err != nil {
						return err
					}
					return printState(m)
				}),
			},
		},
	}
}

type printedCredential struct {
	Kind        string    `json:"kind"`
	UUID        uuid.UUID `json:"uuid"`
	WrappingKey string    `json:"wrapping_key"`
	WrappedKey  string    `json:"wrapped_key"`
	ClaimToken  string    `json:"claim_token,omitempty"`
}

func printCredential(w *credential.WrappedCredential) error {
	wrapping, err := w.WrappingKeyString()
	if err != nil {
		return err
	}
	wrapped, err := w.WrappedKeyString()
	if err != nil {
		return err
	}
	out := printedCredential{Kind: w.Kind.String(), UUID: w.UUID, WrappingKey: wrapping, WrappedKey: wrapped}
	if len(w.ClaimToken) > 0 {
		if out.ClaimToken, err = w.ClaimTokenString(); err != nil {
			return err
		}
	}
	return printJSON(out)
}

var (
	flagCredentialUUID = &cli.StringFlag{
		Name:  "uuid",
		Usage: "credential UUID; create picks a random one when empty",
	}
	flagWrappingKey = &cli.StringFlag{
		Name:  "wrapping-key",
		Usage: "printable wrapping key",
	}
	flagWrappedKey = &cli.StringFlag{
		Name:  "wrapped-key",
		Usage: "printable wrapped key",
	}
	flagClaimToken = &cli.StringFlag{
		Name:  "claim-token",
		Usage: "printable claim token",
	}
)

func credentialUUID(cCtx *cli.Context, create bool) (uuid.UUID, error) {
	raw := cCtx.String(flagCredentialUUID.Name)
	if raw == "" {
		if create {
			return uuid.New(), nil
		}
		return uuid.Nil, fmt.Errorf("--%s is required", flagCredentialUUID.Name)
	}
	return uuid.Parse(raw)
}

func credentialCommands() *cli.Command {
	return &cli.Command{
		Name:  "credential",
		Usage: "Manage inheritance keys and custodian recovery keys",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an inheritance or custodian recovery key",
				Flags: deviceFlags(flagCredentialUUID, &cli.StringFlag{Name: "kind", Value: "inheritance", Usage: "inheritance or custodian"}),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					id, err := credentialUUID(cCtx, true)
					if err != nil {
						return err
					}
					c, err := m.Container()
					if err != nil {
						return err
					}

					var w *credential.WrappedCredential
					switch cCtx.String("kind") {
					case "inheritance":
						w, err = c.CreateInheritanceKey(ctx, id)
					case "custodian":
						w, err = c.CreateCustodianRecoveryKey(ctx, id)
					default:
						return fmt.Errorf("unknown credential kind %q", cCtx.String("kind"))
					}
					if err != nil {
						return err
					}
					return printCredential(w)
				}),
			},
			{
				Name:  "remove",
				Usage: "Remove an inheritance or custodian recovery key",
				Flags: deviceFlags(flagCredentialUUID, &cli.StringFlag{Name: "kind", Value: "inheritance", Usage: "inheritance or custodian"}),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					id, err := credentialUUID(cCtx, false)
					if err != nil {
						return err
					}
					c, err := m.Container()
					if err != nil {
						return err
					}
					switch cCtx.String("kind") {
					case "inheritance":
						return c.RemoveInheritanceKey(ctx, id)
					case "custodian":
						return c.RemoveCustodianRecoveryKey(ctx, id)
					}
					return fmt.Errorf("unknown credential kind %q", cCtx.String("kind"))
				}),
			},
			{
				Name:  "join-custodian",
				Usage: "Join the account with a custodian recovery key",
				Flags: deviceFlags(flagCredentialUUID, flagWrappingKey, flagWrappedKey),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					id, err := credentialUUID(cCtx, false)
					if err != nil {
						return err
					}
					wrappingKey, err := credential.ParseWrappingKeyString(cCtx.String(flagWrappingKey.Name))
					if err != nil {
						return err
					}
					wrappedKey, err := credential.ParseWrappedKeyString(cCtx.String(flagWrappedKey.Name))
					if err != nil {
						return err
					}
					w, err := credential.Unwrap(peer.KindCustodian, id, wrappingKey, wrappedKey)
					if err != nil {
						return err
					}
					if err := m.JoinWithCustodianRecoveryKey(ctx, prepareRequest(cCtx), w); err != nil {
						return err
					}
					return printState(m)
				}),
			},
			{
				Name:  "join-inheritance",
				Usage: "Claim an escrowed inheritance key and join the account read-only",
				Flags: deviceFlags(flagCredentialUUID, flagWrappingKey, flagClaimToken),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					id, err := credentialUUID(cCtx, false)
					if err != nil {
						return err
					}
					wrappingKey, err := credential.ParseWrappingKeyString(cCtx.String(flagWrappingKey.Name))
					if err != nil {
						return err
					}
					claimToken, err := credential.ParseClaimTokenString(cCtx.String(flagClaimToken.Name))
					if err != nil {
						return err
					}
					c, err := m.Container()
					if err != nil {
						return err
					}
					w, err := c.ClaimInheritanceKey(ctx, id, claimToken, wrappingKey)
					if err != nil {
						return err
					}
					if err := m.JoinWithInheritanceKey(ctx, prepareRequest(cCtx), w); err != nil {
						return err
					}
					return printState(m)
				}),
			},
		},
	}
}

func decodeHexList(values []string) ([][]byte, error) {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		b, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", v, err)
		}
		out = append(out, b)
	}
	return out, nil
}
