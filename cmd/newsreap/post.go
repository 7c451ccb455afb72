package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/manager"
	"github.com/newsreap/newsreap/internal/platform"
	"github.com/newsreap/newsreap/internal/postfactory"
)

var (
	postGroups []string
	postStages []string
)

var postCmd = &cobra.Command{
	Use:   "post <file-or-directory>",
	Short: "Archive, stage, upload and verify a source through the post factory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := parseStages(postStages)
		if err != nil {
			return err
		}
		// the prepare stage shells out to rar and par2
		if len(postStages) == 0 || st.Prepare {
			if err := platform.ValidatePostingDependencies(); err != nil {
				return err
			}
		}

		ctx, err := setup()
		if err != nil {
			return err
		}
		if len(postGroups) == 0 {
			return fmt.Errorf("at least one --group is required")
		}

		mgr := manager.New(ctx.Config, ctx.Logger)
		ctx.Pool = mgr
		defer mgr.Close()

		f := postfactory.New(args[0], ctx.Config, mgr, ctx.Logger)
		return f.Run(cmd.Context(), st, postGroups)
	},
}

func parseStages(names []string) (postfactory.Stages, error) {
	var st postfactory.Stages
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "prepare":
			st.Prepare = true
		case "stage":
			st.Stage = true
		case "upload":
			st.Upload = true
		case "verify":
			st.Verify = true
		case "clean":
			st.Clean = true
		default:
			return st, fmt.Errorf("unknown stage %q (want prepare, stage, upload, verify or clean)", n)
		}
	}
	return st, nil
}

func init() {
	postCmd.Flags().StringSliceVarP(&postGroups, "group", "g", nil,
		"newsgroup(s) to post to (repeatable)")
	postCmd.Flags().StringSliceVar(&postStages, "stages", nil,
		"run only these pipeline stages (default: all, in order)")
}
