package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"echopal/internal/bootstrap"
)

var flagReindex bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <pdf|dir>...",
	Short: "Index policy PDFs (directories are scanned for *.pdf)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := expandPDFs(args)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			failed := 0
			for _, path := range paths {
				ingest := e.RAG.Ingest
				if flagReindex {
					ingest = e.RAG.Reindex
				}
				result, err := ingest(cmd.Context(), path)
				if err != nil {
					failed++
					fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("failed   %s: %v", filepath.Base(path), err)))
					continue
				}
				fmt.Println(statusLine(result.Status, result.Source, result.ChunkCount))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(paths))
			}
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <source>...",
	Short: "Delete every chunk of the named documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			for _, source := range args {
				result, err := e.RAG.Remove(cmd.Context(), filepath.Base(source))
				if result != nil {
					fmt.Println(statusLine(result.Status, result.Source, result.DeletedCount))
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List indexed documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			stats, err := e.RAG.Sources(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println(subtleStyle.Render("no documents indexed"))
				return nil
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("%d documents", len(stats))))
			for _, st := range stats {
				fmt.Printf("  %-40s %s\n", st.Source, subtleStyle.Render(fmt.Sprintf("%d chunks", st.ChunkCount)))
			}
			return nil
		})
	},
}

func expandPDFs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no PDF files found")
	}
	return paths, nil
}

func init() {
	ingestCmd.Flags().BoolVar(&flagReindex, "reindex", false, "replace chunks of documents that are already indexed")
	rootCmd.AddCommand(ingestCmd, removeCmd, sourcesCmd)
}
