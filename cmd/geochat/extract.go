package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/geochat/internal/command"
)

func newExtractCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Print the GeoGebra commands found in a message",
		Long:  "Read a message from file (or stdin when the file is omitted or -) and print one command per line.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			text, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			cmds := command.Extract(string(text))
			out := cmd.OutOrStdout()
			if asJSON {
				if cmds == nil {
					cmds = []string{}
				}
				return json.NewEncoder(out).Encode(cmds)
			}
			for _, c := range cmds {
				fmt.Fprintln(out, c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print commands as a JSON array")
	return cmd
}
