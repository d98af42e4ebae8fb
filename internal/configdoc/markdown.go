// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"fmt"
	"strings"
)

// GenerateMarkdown renders the reference as Markdown.
func GenerateMarkdown(schema *Schema) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", schema.Title)
	if schema.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", schema.Description)
	}

	sb.WriteString("## Table of Contents\n\n")
	sb.WriteString("- [Global Attributes](#global-attributes)\n")
	for _, b := range schema.Blocks {
		fmt.Fprintf(&sb, "- [%s](#%s)\n", b.HCLName, strings.ReplaceAll(b.HCLName, "_", "-"))
	}
	sb.WriteString("\n")

	if len(schema.Attributes) > 0 {
		sb.WriteString("## Global Attributes\n\n")
		writeFieldsTable(&sb, schema.Attributes)
	}

	for _, b := range schema.Blocks {
		fmt.Fprintf(&sb, "## %s\n\n", b.HCLName)
		if b.Description != "" {
			fmt.Fprintf(&sb, "%s\n\n", b.Description)
		}
		sb.WriteString("```hcl\n")
		writeBlockExample(&sb, b)
		sb.WriteString("```\n\n")
		if len(b.Fields) > 0 {
			writeFieldsTable(&sb, b.Fields)
		}
	}
	return sb.String()
}

func writeFieldsTable(sb *strings.Builder, fields []*Field) {
	sb.WriteString("| Attribute | Type | Required | Description |\n")
	sb.WriteString("|-----------|------|----------|-------------|\n")
	for _, f := range fields {
		req := "Yes"
		if f.Optional {
			req = "No"
			if f.Default != "" {
				req = fmt.Sprintf("No (default: `%s`)", f.Default)
			}
		}
		desc := strings.ReplaceAll(f.Description, "|", "\\|")
		fmt.Fprintf(sb, "| `%s` | %s | %s | %s |\n", f.HCLName, f.HCLType, req, desc)
	}
	sb.WriteString("\n")
}

// GenerateExample renders an HCL file setting every attribute that has a
// documented default to that default. Attributes without one are left
// commented out.
func GenerateExample(schema *Schema) string {
	var sb strings.Builder

	sb.WriteString("# Generated from internal/config. Every value shown is the default.\n\n")
	for _, f := range schema.Attributes {
		writeAttribute(&sb, "", f)
	}
	for _, b := range schema.Blocks {
		sb.WriteString("\n")
		writeBlockExample(&sb, b)
	}
	return sb.String()
}

func writeBlockExample(sb *strings.Builder, b *Block) {
	fmt.Fprintf(sb, "%s {\n", b.HCLName)
	for _, f := range b.Fields {
		writeAttribute(sb, "  ", f)
	}
	sb.WriteString("}\n")
}

func writeAttribute(sb *strings.Builder, indent string, f *Field) {
	if f.Description != "" {
		fmt.Fprintf(sb, "%s# %s\n", indent, f.Description)
	}
	if f.Default == "" {
		fmt.Fprintf(sb, "%s# %s = %s\n", indent, f.HCLName, exampleValue(f))
		return
	}
	fmt.Fprintf(sb, "%s%s = %s\n", indent, f.HCLName, f.Default)
}

func exampleValue(f *Field) string {
	switch {
	case strings.HasPrefix(f.HCLType, "list("):
		return "[]"
	case f.HCLType == "bool":
		return "false"
	case f.HCLType == "number":
		return "0"
	}
	return `""`
}
