package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/manager"
)

var groupsRefresh bool

var groupsCmd = &cobra.Command{
	Use:   "groups [filter ...]",
	Short: "List newsgroups, optionally filtered by substring or regex",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup()
		if err != nil {
			return err
		}
		mgr := manager.New(ctx.Config, ctx.Logger)
		ctx.Pool = mgr
		defer mgr.Close()

		infos, err := mgr.Groups(args, !groupsRefresh)
		if err != nil {
			return err
		}
		for _, g := range infos {
			fmt.Printf("%-60s %12d\n", g.Name, g.Count)
		}
		return nil
	},
}

func init() {
	groupsCmd.Flags().BoolVar(&groupsRefresh, "refresh", false,
		"bypass the cached group list and fetch a fresh one")
}
