package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authz/registry"
)

func newHashSecretCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a client secret for the client registry",
		Long: `Print the bcrypt hash of a client secret, for use as secret_hash in the
client registry. The secret is read from standard input when no argument is
given, which keeps it out of shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				var err error
				if secret, err = readSecret(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			hash, err := registry.HashSecretWithCost(secret, a.v.GetInt("cost"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}

	cmd.Flags().Int("cost", registry.DefaultCost, "bcrypt cost")
	a.bindFlags(cmd.Flags())

	return cmd
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	return secret, nil
}
