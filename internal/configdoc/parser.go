// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package configdoc generates the configuration reference from the HCL
// struct definitions in internal/config.
//
// Field documentation comes from Go doc comments; defaults come from
// "@default:" annotation lines in those comments.
package configdoc

import (
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"sort"
	"strings"

	"grimm.is/tagacct/internal/errors"
)

// Schema is the documented configuration tree.
type Schema struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Attributes  []*Field `yaml:"attributes"`
	Blocks      []*Block `yaml:"blocks"`
}

// Block is one HCL block.
type Block struct {
	HCLName     string   `yaml:"name"`
	GoType      string   `yaml:"go_type"`
	Description string   `yaml:"description,omitempty"`
	Fields      []*Field `yaml:"fields"`
}

// Field is one HCL attribute.
type Field struct {
	HCLName     string `yaml:"name"`
	GoName      string `yaml:"go_name"`
	GoType      string `yaml:"go_type"`
	HCLType     string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Optional    bool   `yaml:"optional"`
	Default     string `yaml:"default,omitempty"`
}

type parsedField struct {
	name    string
	goType  string
	hclName string
	opts    string
	doc     string
}

type parsedStruct struct {
	doc    string
	fields []parsedField
}

// Parser collects HCL-tagged structs from Go source.
type Parser struct {
	fset    *token.FileSet
	structs map[string]*parsedStruct
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{
		fset:    token.NewFileSet(),
		structs: make(map[string]*parsedStruct),
	}
}

// ParseDir parses the non-test Go files of dir.
func (p *Parser) ParseDir(dir string) error {
	pkgs, err := parser.ParseDir(p.fset, dir, nil, parser.ParseComments)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "parse %s", dir)
	}
	for name, pkg := range pkgs {
		if strings.HasSuffix(name, "_test") {
			continue
		}
		for filename, file := range pkg.Files {
			if strings.HasSuffix(filename, "_test.go") {
				continue
			}
			p.collect(file)
		}
	}
	return nil
}

func (p *Parser) collect(file *ast.File) {
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			st, ok := ts.Type.(*ast.StructType)
			if !ok || st.Fields == nil {
				continue
			}
			ps := &parsedStruct{doc: strings.TrimSpace(gen.Doc.Text())}
			for _, f := range st.Fields.List {
				if len(f.Names) == 0 || f.Tag == nil {
					continue
				}
				tag := reflect.StructTag(strings.Trim(f.Tag.Value, "`")).Get("hcl")
				if tag == "" {
					continue
				}
				name, opts, _ := strings.Cut(tag, ",")
				ps.fields = append(ps.fields, parsedField{
					name:    f.Names[0].Name,
					goType:  typeString(f.Type),
					hclName: name,
					opts:    opts,
					doc:     strings.TrimSpace(f.Doc.Text()),
				})
			}
			if len(ps.fields) > 0 {
				p.structs[ts.Name.Name] = ps
			}
		}
	}
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	}
	return "unknown"
}

// BuildSchema builds the tree rooted at the struct named root.
func (p *Parser) BuildSchema(root string) (*Schema, error) {
	rs, ok := p.structs[root]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "struct %s has no hcl fields", root)
	}
	schema := &Schema{
		Title:       "tagacct configuration",
		Description: rs.doc,
	}
	for _, f := range rs.fields {
		if !hasOpt(f.opts, "block") {
			schema.Attributes = append(schema.Attributes, buildField(f))
			continue
		}
		typeName := strings.TrimLeft(f.goType, "*[]")
		block := &Block{
			HCLName:     f.hclName,
			GoType:      typeName,
			Description: describe(f.doc),
		}
		if bs, ok := p.structs[typeName]; ok {
			if block.Description == "" {
				block.Description = bs.doc
			}
			for _, bf := range bs.fields {
				block.Fields = append(block.Fields, buildField(bf))
			}
		}
		schema.Blocks = append(schema.Blocks, block)
	}
	sort.Slice(schema.Blocks, func(i, j int) bool { return schema.Blocks[i].HCLName < schema.Blocks[j].HCLName })
	return schema, nil
}

func hasOpt(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == want {
			return true
		}
	}
	return false
}

func buildField(f parsedField) *Field {
	return &Field{
		HCLName:     f.hclName,
		GoName:      f.name,
		GoType:      f.goType,
		HCLType:     hclType(f.goType),
		Description: describe(f.doc),
		Optional:    hasOpt(f.opts, "optional"),
		Default:     annotation(f.doc, "@default:"),
	}
}

func hclType(goType string) string {
	goType = strings.TrimPrefix(goType, "*")
	if strings.HasPrefix(goType, "[]") {
		return "list(" + hclType(strings.TrimPrefix(goType, "[]")) + ")"
	}
	switch goType {
	case "string":
		return "string"
	case "bool":
		return "bool"
	case "int", "int32", "int64", "uint", "uint16", "uint32", "uint64", "float64":
		return "number"
	}
	return "object"
}

func annotation(doc, prefix string) string {
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// describe drops annotation lines and joins the rest into one line.
func describe(doc string) string {
	var out []string
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "@") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, " ")
}
