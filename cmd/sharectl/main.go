// sharectl splits a secret into threshold shares and recombines them. It is
// the client-side companion to switchd: the owner runs the split locally,
// hands exactly one share to the server, and distributes the rest.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/keyfall/keyfall/shamir"
)

func main() {
	app := &cli.App{
		Name:  "sharectl",
		Usage: "Split and combine threshold secret shares",
		Commands: []*cli.Command{
			{
				Name:  "split",
				Usage: "Split a secret (stdin or --in) into hex shares, one per line",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "parts",
						Value: 3,
						Usage: "total number of shares to produce (max 255)",
					},
					&cli.IntFlag{
						Name:  "threshold",
						Value: 2,
						Usage: "number of shares required to recover the secret",
					},
					&cli.StringFlag{
						Name:  "in",
						Value: "",
						Usage: "read the secret from this file instead of stdin",
					},
				},
				Action: runSplit,
			},
			{
				Name:  "combine",
				Usage: "Recover a secret from hex shares (stdin, one per line, or arguments)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Value: "",
						Usage: "write the recovered secret to this file instead of stdout",
					},
				},
				Action: runCombine,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSplit(cCtx *cli.Context) error {
	secret, err := readSecret(cCtx.String("in"))
	if err != nil {
		return err
	}

	shares, err := shamir.SplitHex(secret, cCtx.Int("parts"), cCtx.Int("threshold"))
	if err != nil {
		return err
	}

	for _, share := range shares {
		fmt.Println(share)
	}
	fmt.Fprintf(os.Stderr, "produced %d shares, any %d recover the secret\n",
		cCtx.Int("parts"), cCtx.Int("threshold"))
	return nil
}

func runCombine(cCtx *cli.Context) error {
	shares := cCtx.Args().Slice()
	if len(shares) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				shares = append(shares, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading shares: %w", err)
		}
	}

	// Fewer shares than the original threshold produce garbage, not an
	// error; the caller has no way to tell the difference here.
	secret, err := shamir.CombineHex(shares)
	if err != nil {
		return err
	}

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, secret, 0o600)
	}
	_, err = os.Stdout.Write(secret)
	return err
}

func readSecret(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading secret from stdin: %w", err)
	}
	return data, nil
}
