package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"echopal/internal/app"
	"echopal/internal/bootstrap"
)

var (
	flagTopK      int
	flagThreshold float64
	flagStream    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the indexed policies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			return answer(cmd.Context(), e.RAG, question)
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Println(titleStyle.Render("EchoPal") + subtleStyle.Render("  (/sources, /help, /exit)"))
			fmt.Println()

			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}
				question := strings.TrimSpace(scanner.Text())
				if question == "" {
					continue
				}

				switch question {
				case "/exit", "/quit":
					return nil
				case "/help":
					fmt.Println("  /sources  list indexed documents")
					fmt.Println("  /exit     quit")
					continue
				case "/sources":
					stats, err := e.RAG.Sources(cmd.Context())
					if err != nil {
						fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
						continue
					}
					for _, st := range stats {
						fmt.Printf("  %s %s\n", st.Source, subtleStyle.Render(fmt.Sprintf("(%d chunks)", st.ChunkCount)))
					}
					continue
				}

				if err := answer(cmd.Context(), e.RAG, question); err != nil {
					fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
				}
				fmt.Println()
			}
			return scanner.Err()
		})
	},
}

func answer(ctx context.Context, rag *app.RAGService, question string) error {
	input := app.AskInput{Question: question, TopK: flagTopK, DistanceThreshold: flagThreshold}

	if flagStream {
		result, err := rag.StreamAnswer(ctx, input, func(chunk string) error {
			_, err := fmt.Print(chunk)
			return err
		})
		fmt.Println()
		if err != nil {
			return err
		}
		if s := renderSources(result); s != "" {
			fmt.Println(s)
		}
		return nil
	}

	result, err := rag.Answer(ctx, input)
	if err != nil {
		return err
	}
	fmt.Print(renderMarkdown(result.Response))
	if s := renderSources(result); s != "" {
		fmt.Println(s)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{askCmd, chatCmd} {
		c.Flags().IntVarP(&flagTopK, "top-k", "k", 0, "chunks to retrieve (default from config)")
		c.Flags().Float64Var(&flagThreshold, "threshold", 0, "cosine distance cut-off (default from config)")
		c.Flags().BoolVar(&flagStream, "stream", false, "print the answer as it is generated instead of rendering markdown")
	}
	rootCmd.AddCommand(askCmd, chatCmd)
}
