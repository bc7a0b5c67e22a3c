package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ericmiano/CYBER-SENSEI/internal/templates"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect lab templates",
	}
	cmd.AddCommand(validateTemplatesCmd(), listTemplatesCmd())
	return cmd
}

func templatesPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func validateTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a templates file (the built-in templates when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := templates.LoadFile(templatesPath(args))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d templates OK\n", len(reg.List()))
			return nil
		},
	}
}

func listTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [file]",
		Short: "List templates with their limits and allowed commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := templates.LoadFile(templatesPath(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range reg.List() {
				fmt.Fprintf(out, "%s  (%s)\n", t.ID, t.Name)
				fmt.Fprintf(out, "  image:    %s\n", t.BaseImage)
				fmt.Fprintf(out, "  network:  %s\n", t.NetworkMode)
				fmt.Fprintf(out, "  limits:   cpu_shares=%d memory_mb=%d pids=%d\n",
					t.ResourceLimits.CPUShares, t.ResourceLimits.MemoryMB, t.ResourceLimits.PIDLimit)
				fmt.Fprintf(out, "  timeouts: idle=%s max=%s\n", t.IdleTimeout(), t.MaxLifetime())
				fmt.Fprintf(out, "  allowed:  %s\n\n", strings.Join(t.AllowedCommandPatterns, " | "))
			}
			return nil
		},
	}
}
