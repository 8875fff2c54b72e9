package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/urfave/cli/v2"
)

var flagChecksum = &cli.IntFlag{
	Name:  "checksum",
	Value: 0,
	Usage: "checksum bytes appended before encoding, 0 for plain base32",
}

func base32Commands() *cli.Command {
	return &cli.Command{
		Name:  "base32",
		Usage: "Convert between hex and the printable base32 used for keys",
		Subcommands: []*cli.Command{
			{
				Name:      "encode",
				ArgsUsage: "<hex>",
				Flags:     []cli.Flag{flagChecksum},
				Action: func(cCtx *cli.Context) error {
					data, err := hex.DecodeString(strings.TrimPrefix(cCtx.Args().First(), "0x"))
					if err != nil {
						return err
					}
					checksum := cCtx.Int(flagChecksum.Name)
					if checksum == 0 {
						fmt.Println(cryptoutils.Base32(data))
						return nil
					}
					out, err := cryptoutils.Printable(data, checksum)
					if err != nil {
						return err
					}
					fmt.Println(out)
					return nil
				},
			},
			{
				Name:      "decode",
				ArgsUsage: "<base32>",
				Flags:     []cli.Flag{flagChecksum},
				Action: func(cCtx *cli.Context) error {
					in := cCtx.Args().First()
					checksum := cCtx.Int(flagChecksum.Name)

					var data []byte
					var err error
					if checksum == 0 {
						data, err = cryptoutils.Unbase32(in)
					} else {
						data, err = cryptoutils.ParseBase32(in, checksum)
					}
					if err != nil {
						return err
					}
					fmt.Println(hex.EncodeToString(data))
					return nil
				},
			},
		},
	}
}
