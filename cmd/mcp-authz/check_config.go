package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authz/registry"
)

func newCheckConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the client registry and server configuration without starting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadServeOptions(a.v)
			if err != nil {
				return err
			}
			reg, err := registry.LoadFile(opts.ClientsFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT\tREDIRECT URIS\tSCOPES")
			for _, id := range reg.IDs() {
				c, _ := reg.Get(id)
				fmt.Fprintf(tw, "%s\t%d\t%s\n", c.ID, len(c.RedirectURIs), strings.Join(c.Scopes, " "))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			_, err = fmt.Fprintf(out, "\n%d clients, storage %s, audit sink %s: configuration OK\n",
				reg.Len(), opts.Storage, opts.AuditSink)
			return err
		},
	}
}
