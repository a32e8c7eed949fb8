package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"echopal/internal/app"
	"echopal/internal/vectorstore"
)

// PolicyService is the read-only part of RAGService exposed as tools.
type PolicyService interface {
	Answer(ctx context.Context, input app.AskInput) (*app.AnswerResult, error)
	Retrieve(ctx context.Context, question string, topK int) ([]vectorstore.Result, error)
	Sources(ctx context.Context) ([]vectorstore.SourceStat, error)
}

var readOnlyAnnotation = mcpgo.ToolAnnotation{
	ReadOnlyHint:    mcpgo.ToBoolPtr(true),
	DestructiveHint: mcpgo.ToBoolPtr(false),
	IdempotentHint:  mcpgo.ToBoolPtr(true),
	OpenWorldHint:   mcpgo.ToBoolPtr(false),
}

func NewServer(svc PolicyService, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("echopal", version, mcpserver.WithToolCapabilities(false))
	s.AddTool(askPolicyTool(), makeAskHandler(svc))
	s.AddTool(searchPoliciesTool(), makeSearchHandler(svc))
	s.AddTool(listPoliciesTool(), makeListHandler(svc))
	return s
}

// ServeStdio blocks until stdin is closed.
func ServeStdio(svc PolicyService, version string) error {
	return mcpserver.ServeStdio(NewServer(svc, version))
}

func askPolicyTool() mcpgo.Tool {
	return mcpgo.NewTool("ask_policy",
		mcpgo.WithDescription("Answer a question using only the indexed bank policy documents. Returns the answer and the policy files it cites."),
		mcpgo.WithToolAnnotation(readOnlyAnnotation),
		mcpgo.WithString("question",
			mcpgo.Required(),
			mcpgo.Description("The policy question in natural language"),
		),
		mcpgo.WithNumber("top_k",
			mcpgo.Description("Number of chunks to retrieve (default from config)"),
		),
	)
}

func searchPoliciesTool() mcpgo.Tool {
	return mcpgo.NewTool("search_policies",
		mcpgo.WithDescription("Return the raw policy chunks closest to a question with their cosine distances, without generating an answer."),
		mcpgo.WithToolAnnotation(readOnlyAnnotation),
		mcpgo.WithString("question",
			mcpgo.Required(),
			mcpgo.Description("Text to search for"),
		),
		mcpgo.WithNumber("top_k",
			mcpgo.Description("Maximum number of chunks to return (default 4)"),
		),
	)
}

func listPoliciesTool() mcpgo.Tool {
	return mcpgo.NewTool("list_policies",
		mcpgo.WithDescription("List the indexed policy documents and how many chunks each has."),
		mcpgo.WithToolAnnotation(readOnlyAnnotation),
	)
}

func makeAskHandler(svc PolicyService) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		question := strings.TrimSpace(req.GetString("question", ""))
		if question == "" {
			return mcpgo.NewToolResultError("question is required"), nil
		}

		result, err := svc.Answer(ctx, app.AskInput{Question: question, TopK: req.GetInt("top_k", 0)})
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("answer failed: %v", err)), nil
		}

		var sb strings.Builder
		sb.WriteString(strings.TrimSpace(result.Response))
		if len(result.Sources) > 0 {
			fmt.Fprintf(&sb, "\n\nSources: %s", strings.Join(result.Sources, ", "))
		}
		return mcpgo.NewToolResultText(sb.String()), nil
	}
}

func makeSearchHandler(svc PolicyService) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		question := strings.TrimSpace(req.GetString("question", ""))
		if question == "" {
			return mcpgo.NewToolResultError("question is required"), nil
		}

		results, err := svc.Retrieve(ctx, question, req.GetInt("top_k", 0))
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpgo.NewToolResultText(formatResults(question, results)), nil
	}
}

func makeListHandler(svc PolicyService) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		stats, err := svc.Sources(ctx)
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("list policies failed: %v", err)), nil
		}
		if len(stats) == 0 {
			return mcpgo.NewToolResultText("No policy documents are indexed yet."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## Indexed policies (%d)\n\n", len(stats))
		for _, st := range stats {
			fmt.Fprintf(&sb, "- **%s** (%d chunks)\n", st.Source, st.ChunkCount)
		}
		return mcpgo.NewToolResultText(sb.String()), nil
	}
}

func formatResults(question string, results []vectorstore.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No policy chunks found for %q", question)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Matches for %q (%d chunks)\n\n", question, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "### %d. %s (distance %.4f)\n\n%s\n\n", i+1, r.ID, r.Distance, r.Text)
	}
	return sb.String()
}
