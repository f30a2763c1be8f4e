package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create missing tables and repair their header rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newStack(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.RequestTimeout)
		defer cancel()
		if err := st.engine.Provision(ctx); err != nil {
			return err
		}
		for _, key := range st.engine.Catalog().Keys() {
			t, _ := st.engine.Catalog().Lookup(key)
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", key, t.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
