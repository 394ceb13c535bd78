package native

import (
	"context"
)

type calculateArgs struct {
	Expression string `json:"expression" jsonschema:"required" jsonschema_description:"Arithmetic expression, e.g. (1500 * 12) * 0.1 or sqrt(pow(3, 2) + pow(4, 2))."`
}

type analyzeCSVArgs struct {
	Data      string `json:"data" jsonschema:"required" jsonschema_description:"CSV text with a header row. Comma or semicolon separated."`
	Column    string `json:"column" jsonschema:"required" jsonschema_description:"Numeric column to aggregate."`
	Operation string `json:"operation,omitempty" jsonschema:"enum=sum,enum=avg,enum=min,enum=max,enum=count,enum=median" jsonschema_description:"Aggregation. Defaults to sum."`
	GroupBy   string `json:"group_by,omitempty" jsonschema_description:"Optional column to group rows by."`
}

func registerAnalysisTools(reg *Registry, _ *Deps) error {
	return registerEach(reg,
		Definition{
			Name: "calculate",
			Description: "Evaluate an arithmetic expression exactly. Supports + - * / %, parentheses, " +
				"abs ceil floor round sqrt pow min max log log10 log2 sin cos tan and the constants PI and E.",
			Parameters: schemaFor(&calculateArgs{}),
			Execute: typed(func(_ context.Context, args calculateArgs, _ *Invocation) (string, error) {
				v, err := Evaluate(args.Expression)
				if err != nil {
					return jsonResult(map[string]any{"error": err.Error(), "expression": args.Expression})
				}
				return jsonResult(map[string]any{"expression": args.Expression, "result": v})
			}),
		},
		Definition{
			Name:        "analyze_csv",
			Description: "Aggregate a numeric column of CSV data (sum, avg, min, max, count, median), optionally grouped by another column.",
			Parameters:  schemaFor(&analyzeCSVArgs{}),
			Execute: typed(func(_ context.Context, args analyzeCSVArgs, _ *Invocation) (string, error) {
				out, err := AnalyzeCSV(args.Data, args.Column, args.Operation, args.GroupBy)
				if err != nil {
					return errorResult(err.Error())
				}
				return jsonResult(out)
			}),
		},
	)
}
