package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/article"
	"github.com/newsreap/newsreap/internal/manager"
)

var (
	getGroup  string
	getOutDir string
)

var getCmd = &cobra.Command{
	Use:   "get <file.nzb | message-id> ...",
	Short: "Fetch and decode articles or whole NZB manifests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup()
		if err != nil {
			return err
		}
		mgr := manager.New(ctx.Config, ctx.Logger)
		ctx.Pool = mgr
		defer mgr.Close()

		workDir := ctx.Config.Global.WorkDir
		outDir := getOutDir
		if outDir == "" {
			if outDir, err = os.Getwd(); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return err
		}

		for _, arg := range args {
			if strings.EqualFold(filepath.Ext(arg), ".nzb") {
				if err := fetchNZB(ctx.Logger.Info, mgr, arg, workDir, outDir); err != nil {
					return err
				}
				continue
			}
			if err := fetchID(ctx.Logger.Info, mgr, arg, workDir, outDir); err != nil {
				return err
			}
		}
		return nil
	},
}

func fetchNZB(report func(string, ...any), mgr *manager.Manager, path, workDir, outDir string) error {
	n, err := article.LoadNZB(path)
	if err != nil {
		return err
	}
	if err := mgr.GetNZB(n, workDir); err != nil {
		return err
	}

	it := n.Iter()
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		dest, err := p.Assemble(workDir, outDir)
		if err != nil {
			return err
		}
		p.Release()
		report("saved %s", dest)
	}
	return nil
}

func fetchID(report func(string, ...any), mgr *manager.Manager, id, workDir, outDir string) error {
	a, err := mgr.GetID(id, workDir, getGroup)
	if err != nil {
		return err
	}
	defer a.Release()

	for _, part := range a.Parts() {
		name := part.Filename
		if name == "" {
			name = strings.Trim(id, "<>")
		}
		dest := filepath.Join(outDir, name)
		if err := part.Save(dest, false); err != nil {
			return err
		}
		report("saved %s", dest)
	}
	return nil
}

func init() {
	getCmd.Flags().StringVarP(&getGroup, "group", "g", "",
		"group to join before fetching by message-id")
	getCmd.Flags().StringVarP(&getOutDir, "output", "o", "",
		"directory for decoded files (default: current directory)")
}
