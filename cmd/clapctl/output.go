package main

import (
	"encoding/json"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

func writeDocs(w io.Writer, format string, docs []doc) error {
	if docs == nil {
		docs = []doc{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return err
		}
		return enc.Close()
	default:
		return writeDocTable(w, docs)
	}
}

func writeDocTable(w io.Writer, docs []doc) error {
	cols := columns(docs)
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}

	tw := tablewriter.NewWriter(w)
	tw.Header(header...)
	for _, d := range docs {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = cell(d[c])
		}
		if err := tw.Append(row); err != nil {
			return err
		}
	}
	return tw.Render()
}

func cell(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return "?"
		}
		return string(raw)
	default:
		return fieldString(v)
	}
}
