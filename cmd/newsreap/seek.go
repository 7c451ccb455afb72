package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/manager"
)

var seekCmd = &cobra.Command{
	Use:   "seek <group> <date>",
	Short: "Find the first article index posted at or after a date",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseDate(args[1])
		if err != nil {
			return err
		}

		ctx, err := setup()
		if err != nil {
			return err
		}
		mgr := manager.New(ctx.Config, ctx.Logger)
		ctx.Pool = mgr
		defer mgr.Close()

		idx, err := mgr.SeekByDate(ref, args[0])
		if err != nil {
			return err
		}
		fmt.Println(idx)
		return nil
	},
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q (want RFC3339 or YYYY-MM-DD)", s)
}
