// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// gen-config-docs generates the configuration reference from the config
// struct definitions.
//
// Usage:
//
//	go run ./cmd/gen-config-docs -format markdown -output docs/config-reference.md
//	go run ./cmd/gen-config-docs -format example -output examples/tagacct.hcl
//	go run ./cmd/gen-config-docs -format yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/tagacct/internal/config"
	"grimm.is/tagacct/internal/configdoc"
)

func main() {
	format := flag.String("format", "markdown", "Output format: markdown, example, yaml")
	output := flag.String("output", "", "Output file (default: stdout)")
	configDir := flag.String("config-dir", "internal/config", "Path to the config package")
	flag.Parse()

	p := configdoc.NewParser()
	if err := p.ParseDir(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}
	schema, err := p.BuildSchema("Config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building schema: %v\n", err)
		os.Exit(1)
	}

	switch *format {
	case "markdown", "md":
		writeOutput(*output, configdoc.GenerateMarkdown(schema))
	case "example", "hcl":
		example, err := config.FormatHCL([]byte(configdoc.GenerateExample(schema)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error formatting example: %v\n", err)
			os.Exit(1)
		}
		writeOutput(*output, string(example))
	case "yaml":
		out, err := configdoc.GenerateYAML(schema)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating YAML: %v\n", err)
			os.Exit(1)
		}
		writeOutput(*output, string(out))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		os.Exit(1)
	}
}

func writeOutput(path, content string) {
	if path == "" {
		fmt.Print(content)
		return
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", path)
}
