package native

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

const (
	knowledgeFilesPerSource   = 20
	knowledgeSnippetRadius    = 150
	knowledgeSnippetsPerFile  = 5
	knowledgeMaxResultRunes   = 30000
	searchKnowledgeMaxMatches = 20
)

// ChartPalette colours datasets and pie slices in order.
var ChartPalette = []string{
	"#4F6EF7", "#7C3AED", "#10B981", "#F59E0B",
	"#EF4444", "#EC4899", "#06B6D4", "#6366F1",
}

type readKnowledgeArgs struct {
	Query string `json:"query" jsonschema:"required" jsonschema_description:"Text to look for in the agent's and the user's knowledge files."`
}

type searchKnowledgeArgs struct {
	Query string `json:"query" jsonschema:"required" jsonschema_description:"Text to look for in saved user memories."`
}

// ChartDataset is one data series of a chart.
type ChartDataset struct {
	Label string    `json:"label" jsonschema:"required"`
	Data  []float64 `json:"data" jsonschema:"required"`
}

type chartArgs struct {
	Type     string         `json:"type" jsonschema:"required,enum=bar,enum=line,enum=pie,enum=doughnut,enum=radar"`
	Title    string         `json:"title,omitempty"`
	Labels   []string       `json:"labels" jsonschema:"required"`
	Datasets []ChartDataset `json:"datasets" jsonschema:"required"`
}

func registerContentTools(reg *Registry, deps *Deps) error {
	return registerEach(reg,
		Definition{
			Name:        "read_knowledge",
			Description: "Search the text of the agent's knowledge files and the user's uploaded files and return matching snippets.",
			Parameters:  schemaFor(&readKnowledgeArgs{}),
			Execute: typed(func(ctx context.Context, args readKnowledgeArgs, inv *Invocation) (string, error) {
				return readKnowledge(ctx, deps, args.Query, inv)
			}),
		},
		Definition{
			Name:        "search_knowledge",
			Description: "Search the user's saved memories by key or content.",
			Parameters:  schemaFor(&searchKnowledgeArgs{}),
			Execute: typed(func(ctx context.Context, args searchKnowledgeArgs, inv *Invocation) (string, error) {
				return searchKnowledge(ctx, deps, args.Query, inv)
			}),
		},
		Definition{
			Name:        "generate_chart_data",
			Description: "Build Chart.js configuration for a bar, line, pie, doughnut or radar chart.",
			Parameters:  schemaFor(&chartArgs{}),
			Execute: typed(func(_ context.Context, args chartArgs, _ *Invocation) (string, error) {
				chart, err := BuildChart(args.Type, args.Title, args.Labels, args.Datasets)
				if err != nil {
					return errorResult(err.Error())
				}
				return jsonResult(chart)
			}),
		},
	)
}

type knowledgeResult struct {
	FileName string   `json:"fileName"`
	Source   string   `json:"source"`
	Snippets []string `json:"snippets"`
}

func readKnowledge(ctx context.Context, deps *Deps, query string, inv *Invocation) (string, error) {
	if deps.Knowledge == nil {
		return "", errors.New("knowledge store unavailable")
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return errorResult("query is required")
	}

	var files []*storage.KnowledgeFile
	if inv.AgentID != "" {
		agentFiles, err := deps.Knowledge.ListFiles(ctx, storage.SourceAgent, inv.AgentID, knowledgeFilesPerSource)
		if err != nil {
			return "", fmt.Errorf("list agent files: %w", err)
		}
		for _, f := range agentFiles {
			if f.Content != "" {
				files = append(files, f)
			}
		}
	}
	userFiles, err := deps.Knowledge.ListFiles(ctx, storage.SourceUser, inv.UserID, knowledgeFilesPerSource)
	if err != nil {
		return "", fmt.Errorf("list user files: %w", err)
	}
	for _, f := range userFiles {
		if f.Content != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return jsonResult(map[string]any{"results": []knowledgeResult{}, "message": "No knowledge files available"})
	}

	results := []knowledgeResult{}
	budget := knowledgeMaxResultRunes
	for _, f := range files {
		if budget <= 0 {
			break
		}
		snippets := findSnippets(f.Content, q, knowledgeSnippetsPerFile, &budget)
		if len(snippets) > 0 {
			results = append(results, knowledgeResult{FileName: f.Name, Source: f.Source, Snippets: snippets})
		}
	}
	return jsonResult(map[string]any{
		"query":         query,
		"filesSearched": len(files),
		"results":       results,
	})
}

// findSnippets returns up to limit windows of text around case-insensitive
// occurrences of query, charging their rune length against budget.
func findSnippets(content, query string, limit int, budget *int) []string {
	text := []rune(content)
	lower := lowerRunes(text)
	needle := lowerRunes([]rune(query))

	var out []string
	for from := 0; len(out) < limit && *budget > 0; {
		idx := indexRunes(lower, needle, from)
		if idx < 0 {
			break
		}
		start := max(0, idx-knowledgeSnippetRadius)
		end := min(len(text), idx+len(needle)+knowledgeSnippetRadius)
		var b strings.Builder
		if start > 0 {
			b.WriteString("...")
		}
		b.WriteString(string(text[start:end]))
		if end < len(text) {
			b.WriteString("...")
		}
		out = append(out, b.String())
		*budget -= end - start
		from = idx + len(needle)
	}
	return out
}

func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(haystack, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

type memoryMatch struct {
	Key       string `json:"key"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt"`
}

func searchKnowledge(ctx context.Context, deps *Deps, query string, inv *Invocation) (string, error) {
	if deps.Memories == nil {
		return "", errors.New("memory store unavailable")
	}
	memories, err := deps.Memories.ListMemories(ctx, inv.UserID)
	if err != nil {
		return "", fmt.Errorf("list memories: %w", err)
	}
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))

	matches := []memoryMatch{}
	for _, m := range memories {
		if len(matches) >= searchKnowledgeMaxMatches {
			break
		}
		if strings.Contains(fold.String(m.Key), q) || strings.Contains(fold.String(m.Content), q) {
			matches = append(matches, memoryMatch{
				Key:       m.Key,
				Content:   m.Content,
				UpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return jsonResult(map[string]any{
		"query":         query,
		"totalMemories": len(memories),
		"matches":       matches,
	})
}

// BuildChart returns a Chart.js config for the given series.
func BuildChart(chartType, title string, labels []string, datasets []ChartDataset) (map[string]any, error) {
	if len(datasets) == 0 {
		return nil, errors.New("at least one dataset is required")
	}
	round := chartType == "pie" || chartType == "doughnut"

	outSets := make([]map[string]any, 0, len(datasets))
	for i, ds := range datasets {
		if len(ds.Data) != len(labels) {
			return nil, fmt.Errorf("Dataset %q has %d values but there are %d labels", ds.Label, len(ds.Data), len(labels))
		}
		set := map[string]any{"label": ds.Label, "data": ds.Data}
		if round {
			colors := make([]string, len(labels))
			for j := range labels {
				colors[j] = ChartPalette[j%len(ChartPalette)]
			}
			set["backgroundColor"] = colors
		} else {
			color := ChartPalette[i%len(ChartPalette)]
			set["backgroundColor"] = color + "80"
			set["borderColor"] = color
		}
		outSets = append(outSets, set)
	}

	plugins := map[string]any{
		"legend": map[string]any{"display": len(datasets) > 1 || round},
	}
	if title != "" {
		plugins["title"] = map[string]any{"display": true, "text": title}
	}
	return map[string]any{
		"type": chartType,
		"data": map[string]any{
			"labels":   labels,
			"datasets": outSets,
		},
		"options": map[string]any{
			"responsive": true,
			"plugins":    plugins,
		},
	}, nil
}
