package main

import (
	"context"
	"fmt"

	"github.com/ruteri/octagon-trust/cmd/flags"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/octagon"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/urfave/cli/v2"
)

var (
	flagAccount = &cli.StringFlag{
		Name:     "account",
		Required: true,
		Usage:    "account (alt DSID) to operate on",
	}
	flagContext = &cli.StringFlag{
		Name:  "context",
		Value: interfaces.DefaultContextID,
		Usage: "trust context within the account",
	}
	flagStateDir = &cli.StringFlag{
		Name:  "state-dir",
		Value: "./otctl-state",
		Usage: "directory the container metadata is persisted in",
	}
	flagModelID = &cli.StringFlag{
		Name:  "model-id",
		Value: "Mac14,2",
		Usage: "device model reported when preparing the identity",
	}
	flagMachineID = &cli.StringFlag{
		Name:  "machine-id",
		Usage: "machine id reported when preparing the identity",
	}
	flagDeviceName = &cli.StringFlag{
		Name:  "device-name",
		Usage: "device name reported when preparing the identity",
	}
	flagSerialNumber = &cli.StringFlag{
		Name:  "serial-number",
		Usage: "serial number reported when preparing the identity",
	}
	flagOSVersion = &cli.StringFlag{
		Name:  "os-version",
		Usage: "OS version reported when preparing the identity",
	}
)

func deviceFlags(extra ...cli.Flag) []cli.Flag {
	fs := []cli.Flag{
		flagAccount,
		flagContext,
		flagStateDir,
		flags.MasterKeyFlag,
		flags.LogJsonFlag,
		flags.LogDebugFlag,
		flags.LogServiceFlagFn("otctl"),
		flagModelID,
		flagMachineID,
		flagDeviceName,
		flagSerialNumber,
		flagOSVersion,
	}
	fs = append(fs, flags.FeedFlags...)
	return append(fs, extra...)
}

func prepareRequest(cCtx *cli.Context) container.PrepareRequest {
	return container.PrepareRequest{
		Device: interfaces.DeviceInfo{
			ModelID:      cCtx.String(flagModelID.Name),
			MachineID:    cCtx.String(flagMachineID.Name),
			DeviceName:   cCtx.String(flagDeviceName.Name),
			SerialNumber: cCtx.String(flagSerialNumber.Name),
			OSVersion:    cCtx.String(flagOSVersion.Name),
		},
	}
}

// withMachine signs the account in on a machine backed by the remote feed
// and the local state directory, and runs fn with it.
func withMachine(fn func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		client, err := flags.FeedClient(cCtx)
		if err != nil {
			return err
		}
		masterKey, err := flags.MasterKey(cCtx)
		if err != nil {
			return err
		}
		keys, err := kms.NewSimpleKMS(masterKey)
		if err != nil {
			return err
		}
		metadata, err := storage.NewFileMetadataStore(cCtx.String(flagStateDir.Name), logger)
		if err != nil {
			return err
		}

		registry := container.NewRegistry(func(ctx context.Context, key interfaces.ContainerKey) (*container.Container, error) {
			return container.New(ctx, container.Config{
				Key:      key,
				Feed:     client,
				Keys:     keys,
				Metadata: metadata,
				Log:      logger,
			})
		})
		defer registry.Clear()

		m, err := octagon.New(octagon.Config{
			Registry:  registry,
			ContextID: cCtx.String(flagContext.Name),
			Log:       logger,
		})
		if err != nil {
			return err
		}

		ctx := cCtx.Context
		if err := m.AccountAvailable(ctx, interfaces.AccountID(cCtx.String(flagAccount.Name))); err != nil {
			return err
		}
		return fn(ctx, cCtx, m)
	}
}

func printState(m *octagon.Machine) error {
	c, err := m.Container()
	if err != nil {
		return err
	}
	status, err := c.Status(context.Background())
	if err != nil {
		return err
	}
	return printJSON(struct {
		State  string           `json:"state"`
		Status container.Status `json:"status"`
	}{m.State().String(), status})
}

func deviceCommands() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "Manage the local device's membership in an account",
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Print the machine state and membership",
				Flags: deviceFlags(),
				Action: withMachine(func(_ context.Context, _ *cli.Context, m *octagon.Machine) error {
					return printState(m)
				}),
			},
			{
				Name:  "prepare",
				Usage: "Create the local identity and print it for a sponsor to vouch for",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					prepared, err := m.Prepare(ctx, prepareRequest(cCtx))
					if err != nil {
						return err
					}
					return printJSON(container.VouchRequest{Permanent: prepared.Permanent, Stable: prepared.Stable})
				}),
			},
			{
				Name:  "establish",
				Usage: "Create the account's trust graph with this device as its only member",
				Flags: deviceFlags(&cli.BoolFlag{Name: "reset", Usage: "discard an existing trust graph first"}),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					establish := m.Establish
					if cCtx.Bool("reset") {
						establish = m.ResetAndEstablish
					}
					if err := establish(ctx, prepareRequest(cCtx)); err != nil {
						return err
					}
					return printState(m)
				}),
			},
			{
				Name:  "vouch",
				Usage: "Vouch for a candidate identity printed by 'device prepare'",
				Flags: deviceFlags(&cli.StringFlag{Name: "candidate", Value: "-", Usage: "file with the candidate identity, - for stdin"}),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					var req container.VouchRequest
					if err := readJSONFile(cCtx.String("candidate"), &req); err != nil {
						return fmt.Errorf("could not read candidate: %w", err)
					}
					c, err := m.Container()
					if err != nil {
						return err
					}
					res, err := c.Vouch(ctx, req)
					if err != nil {
						return err
					}
					return printJSON(res)
				}),
			},
			{
				Name:  "join",
				Usage: "Join the account with a voucher printed by 'device vouch'",
				Flags: deviceFlags(
					&cli.StringFlag{Name: "voucher", Value: "-", Usage: "file with the vouch result, - for stdin"},
					&cli.StringSliceFlag{Name: "preapprove", Usage: "hex signing key of a legacy circle peer to preapprove (repeatable)"},
				),
				Action: withMachine(func(ctx context.Context, cCtx *cli.Context, m *octagon.Machine) error {
					var res container.VouchResult
					if err := readJSONFile(cCtx.String("voucher"), &res); err != nil {
						return fmt.Errorf("could not read voucher: %w", err)
					}
					preapproved, err := decodeHexList(cCtx.StringSlice("preapprove"))
					if err != nil {
						return err
					}
					if err := m.Join(ctx, container.JoinRequest{
						Voucher:         res.Voucher,
						KeyShares:       res.KeyShares,
						PreapprovedKeys: preapproved,
					}); err != nil {
						return err
					}
					return printState(m)
				}),
			},
			{
				Name:  "fetch",
				Usage: "Pull the change feed",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					res, err := m.Fetch(ctx)
					if err != nil {
						return err
					}
					return printJSON(res)
				}),
			},
			{
				Name:  "dump",
				Usage: "Print the container's trust graph",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					c, err := m.Container()
					if err != nil {
						return err
					}
					dump, err := c.Dump(ctx)
					if err != nil {
						return err
					}
					return printJSON(dump)
				}),
			},
			{
				Name:  "policy",
				Usage: "Print the policy the device currently operates under",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					c, err := m.Container()
					if err != nil {
						return err
					}
					update, ok, err := c.PolicyUpdate(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s is not trusted", c.Key())
					}
					return printJSON(update)
				}),
			},
			{
				Name:  "reset",
				Usage: "Discard the account's trust graph",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					if err := m.Reset(ctx); err != nil {
						return err
					}
					return printState(m)
				}),
			},
			{
				Name:  "leave",
				Usage: "Depart from the account's trust graph",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					c, err := m.Container()
					if err != nil {
						return err
					}
					if err := c.Leave(ctx); err != nil {
						return err
					}
					return printState(m)
				}),
			},
			{
				Name:  "sign-out",
				Usage: "Forget the account's local state",
				Flags: deviceFlags(),
				Action: withMachine(func(ctx context.Context, _ *cli.Context, m *octagon.Machine) error {
					return m.AccountSignedOut(ctx)
				}),
			},
		},
	}
}
