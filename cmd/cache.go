package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the stage cache",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired stage cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		backend, closer, err := buildCacheBackend(ctx, st)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer() //nolint:errcheck
		}

		sw, ok := backend.(sweeper)
		if !ok {
			fmt.Fprintf(os.Stderr, "Cache driver %q has nothing to sweep.\n", cfg.Cache.Driver)
			return nil
		}
		n, err := sw.Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "cache sweep")
		}
		fmt.Fprintf(os.Stdout, "Swept %d expired stage cache entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheSweepCmd)
	rootCmd.AddCommand(cacheCmd)
}
