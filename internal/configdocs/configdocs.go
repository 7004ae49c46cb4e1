// Package configdocs loads the declarative schema, rules, types, role, and
// group documents from YAML files on disk and turns them into the parsed
// Go structs internal/policycompiler.Compile consumes. Parsing these
// documents is explicitly an outer, non-core concern (spec.md §1): the
// compiler itself never touches YAML, only the typed structs this package
// produces.
//
// Every document carries a top-level version field. An unrecognized
// top-level field is a warning — operators add forward-looking fields
// before Cori understands them, and a file with one shouldn't stop the
// world. An unrecognized field nested under a strict section (tables,
// columns, table_access, constraints) is an error: those sections define
// the access surface, and a typo there must never be silently ignored.
package configdocs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cori-do/cori/internal/policycompiler"
)

const (
	kindUnknownTopLevelField policycompiler.DiagnosticKind = "UnknownTopLevelField"
	kindStrictDecode         policycompiler.DiagnosticKind = "StrictDecodeFailure"
)

// LoadSchema reads and parses a schema document.
func LoadSchema(path string) (policycompiler.SchemaModel, []policycompiler.Diagnostic, error) {
	fields, diags, err := readTopLevel(path, map[string]bool{"version": true, "tables": true})
	if err != nil {
		return policycompiler.SchemaModel{}, diags, err
	}

	var wire schemaTablesWire
	var columnOrder map[string][]string
	if node, ok := fields["tables"]; ok {
		if derr := decodeStrict(node, &wire.Tables); derr != nil {
			diags = append(diags, strictErr("", "", "", "schema.tables", derr))
			return policycompiler.SchemaModel{}, diags, nil
		}
		columnOrder = columnDeclarationOrder(node)
	}

	model := policycompiler.SchemaModel{Tables: make(map[string]policycompiler.Table, len(wire.Tables))}
	for name, tw := range wire.Tables {
		table := policycompiler.Table{
			Name:        name,
			Columns:     make(map[string]policycompiler.Column, len(tw.Columns)),
			ColumnOrder: columnOrder[name],
		}
		switch tw.Tenancy {
		case "", "direct":
			table.Tenancy = policycompiler.TenancyDirect
		case "inherited":
			table.Tenancy = policycompiler.TenancyInherited
		case "global":
			table.Tenancy = policycompiler.TenancyGlobal
		default:
			diags = append(diags, policycompiler.Diagnostic{
				Kind: kindStrictDecode, Severity: policycompiler.SeverityError, Table: name,
				Message: fmt.Sprintf("unknown tenancy %q", tw.Tenancy),
			})
		}
		table.TenantColumn = tw.TenantColumn
		table.InheritsVia = tw.InheritsVia
		table.InheritsFrom = tw.InheritsFrom
		if tw.SoftDelete != nil {
			table.SoftDeleteColumn = tw.SoftDelete.Column
			table.SoftDeleteActiveValue = tw.SoftDelete.ActiveValue
			table.SoftDeleteDeletedValue = tw.SoftDelete.DeletedValue
		}
		for colName, cw := range tw.Columns {
			table.Columns[colName] = policycompiler.Column{
				Name:     colName,
				Type:     cw.Type,
				Nullable: cw.Nullable,
				Required: cw.Required,
			}
		}
		model.Tables[name] = table
	}

	return model, diags, nil
}

type schemaTablesWire struct {
	Tables map[string]tableWire
}

// columnDeclarationOrder walks the raw tables mapping node directly, since
// decoding into a Go map (schemaTablesWire.Tables) loses key order. yaml.v3
// preserves a MappingNode's Content in file order, so this is the only
// place the schema document's column order survives.
func columnDeclarationOrder(tablesNode *yaml.Node) map[string][]string {
	order := make(map[string][]string)
	if tablesNode.Kind != yaml.MappingNode {
		return order
	}
	for i := 0; i+1 < len(tablesNode.Content); i += 2 {
		tableName := tablesNode.Content[i].Value
		tableNode := tablesNode.Content[i+1]
		if tableNode.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(tableNode.Content); j += 2 {
			if tableNode.Content[j].Value != "columns" {
				continue
			}
			columnsNode := tableNode.Content[j+1]
			if columnsNode.Kind != yaml.MappingNode {
				continue
			}
			names := make([]string, 0, len(columnsNode.Content)/2)
			for k := 0; k+1 < len(columnsNode.Content); k += 2 {
				names = append(names, columnsNode.Content[k].Value)
			}
			order[tableName] = names
		}
	}
	return order
}

type tableWire struct {
	Tenancy      string                `yaml:"tenancy"`
	TenantColumn string                `yaml:"tenant_column,omitempty"`
	InheritsVia  string                `yaml:"inherits_via,omitempty"`
	InheritsFrom string                `yaml:"inherits_from,omitempty"`
	SoftDelete   *softDeleteWire       `yaml:"soft_delete,omitempty"`
	Columns      map[string]columnWire `yaml:"columns"`
}

type softDeleteWire struct {
	Column       string `yaml:"column"`
	ActiveValue  any    `yaml:"active_value"`
	DeletedValue any    `yaml:"deleted_value"`
}

type columnWire struct {
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// LoadTypes reads and parses the types catalog document.
func LoadTypes(path string) (policycompiler.Types, []policycompiler.Diagnostic, error) {
	fields, diags, err := readTopLevel(path, map[string]bool{"version": true, "patterns": true})
	if err != nil {
		return policycompiler.Types{}, diags, err
	}

	types := policycompiler.Types{Patterns: make(map[string]string)}
	if node, ok := fields["patterns"]; ok {
		if derr := decodeStrict(node, &types.Patterns); derr != nil {
			diags = append(diags, strictErr("", "", "", "types.patterns", derr))
			return policycompiler.Types{}, diags, nil
		}
	}
	return types, diags, nil
}

// LoadRules reads and parses a rules document.
func LoadRules(path string) (policycompiler.Rules, []policycompiler.Diagnostic, error) {
	fields, diags, err := readTopLevel(path, map[string]bool{"version": true, "tables": true})
	if err != nil {
		return policycompiler.Rules{}, diags, err
	}

	var wireTables map[string]tableRulesWire
	if node, ok := fields["tables"]; ok {
		if derr := decodeStrict(node, &wireTables); derr != nil {
			diags = append(diags, strictErr("", "", "", "rules.tables", derr))
			return policycompiler.Rules{}, diags, nil
		}
	}

	rules := policycompiler.Rules{Tables: make(map[string]policycompiler.TableRules, len(wireTables))}
	for tableName, tr := range wireTables {
		onlyWhen, owDiags := convertOnlyWhen(tableName, tr.OnlyWhen)
		diags = append(diags, owDiags...)
		rules.Tables[tableName] = policycompiler.TableRules{
			PatternRefs:      tr.PatternRefs,
			RestrictTo:       tr.RestrictTo,
			OnlyWhen:         onlyWhen,
			RequiresApproval: tr.RequiresApproval,
		}
	}
	return rules, diags, nil
}

type tableRulesWire struct {
	PatternRefs      map[string]string   `yaml:"pattern_refs,omitempty"`
	RestrictTo       map[string][]string `yaml:"restrict_to,omitempty"`
	OnlyWhen         []onlyWhenWire      `yaml:"only_when,omitempty"`
	RequiresApproval map[string]bool     `yaml:"requires_approval,omitempty"`
}

// onlyWhenWire is one disjunct: every predicate in All must hold.
type onlyWhenWire struct {
	All []predicateWire `yaml:"all"`
}

// predicateWire names its subject as "old.<column>" or "new.<column>" so
// the document reads the way the rule is spoken: "when old.status equals
// draft".
type predicateWire struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value,omitempty"`
}

func convertOnlyWhen(table string, wire []onlyWhenWire) ([]policycompiler.Disjunct, []policycompiler.Diagnostic) {
	var diags []policycompiler.Diagnostic
	disjuncts := make([]policycompiler.Disjunct, 0, len(wire))
	for _, d := range wire {
		preds := make([]policycompiler.Predicate, 0, len(d.All))
		for _, pw := range d.All {
			subject, column, ok := splitField(pw.Field)
			if !ok {
				diags = append(diags, policycompiler.Diagnostic{
					Kind: kindStrictDecode, Severity: policycompiler.SeverityError, Table: table,
					Message: fmt.Sprintf("only_when field %q must be prefixed old. or new.", pw.Field),
				})
				continue
			}
			op, ok := parseOperator(pw.Operator)
			if !ok {
				diags = append(diags, policycompiler.Diagnostic{
					Kind: kindStrictDecode, Severity: policycompiler.SeverityError, Table: table, Column: column,
					Message: fmt.Sprintf("unknown only_when operator %q", pw.Operator),
				})
				continue
			}
			preds = append(preds, policycompiler.Predicate{
				Subject:  subject,
				Column:   column,
				Operator: op,
				RValue:   pw.Value,
			})
		}
		disjuncts = append(disjuncts, policycompiler.Disjunct{Predicates: preds})
	}
	return disjuncts, diags
}

func splitField(field string) (policycompiler.PredicateSubject, string, bool) {
	switch {
	case strings.HasPrefix(field, "old."):
		return policycompiler.SubjectOld, strings.TrimPrefix(field, "old."), true
	case strings.HasPrefix(field, "new."):
		return policycompiler.SubjectNew, strings.TrimPrefix(field, "new."), true
	default:
		return 0, "", false
	}
}

func parseOperator(op string) (policycompiler.PredicateOperator, bool) {
	switch policycompiler.PredicateOperator(op) {
	case policycompiler.OpEquals, policycompiler.OpNotEquals, policycompiler.OpGT, policycompiler.OpGE,
		policycompiler.OpLT, policycompiler.OpLE, policycompiler.OpIn, policycompiler.OpNotIn,
		policycompiler.OpIsNull, policycompiler.OpNotNull, policycompiler.OpStartsWith:
		return policycompiler.PredicateOperator(op), true
	default:
		return "", false
	}
}

// LoadRole reads and parses one roles/<name>.yaml document.
func LoadRole(path string) (policycompiler.RoleDoc, []policycompiler.Diagnostic, error) {
	fields, diags, err := readTopLevel(path, map[string]bool{
		"version": true, "name": true, "table_access": true, "groups": true,
		"max_affected_rows": true, "per_tool_row_cap": true,
	})
	if err != nil {
		return policycompiler.RoleDoc{}, diags, err
	}

	doc := policycompiler.RoleDoc{Name: stripExt(filepath.Base(path))}
	if node, ok := fields["name"]; ok {
		if derr := decodeStrict(node, &doc.Name); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "role.name", derr))
		}
	}
	if node, ok := fields["groups"]; ok {
		if derr := decodeStrict(node, &doc.Groups); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "role.groups", derr))
		}
	}
	if node, ok := fields["max_affected_rows"]; ok {
		if derr := decodeStrict(node, &doc.MaxAffectedRows); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "role.max_affected_rows", derr))
		}
	}
	if node, ok := fields["per_tool_row_cap"]; ok {
		if derr := decodeStrict(node, &doc.PerToolRowCap); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "role.per_tool_row_cap", derr))
		}
	}

	var wireAccess map[string]tableAccessWire
	if node, ok := fields["table_access"]; ok {
		if derr := decodeStrict(node, &wireAccess); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "role.table_access", derr))
			return policycompiler.RoleDoc{}, diags, nil
		}
	}
	doc.TableAccess = make(map[string]policycompiler.TableAccessDoc, len(wireAccess))
	for tableName, aw := range wireAccess {
		doc.TableAccess[tableName] = policycompiler.TableAccessDoc{
			Read:        aw.Read,
			Create:      aw.Create,
			Update:      aw.Update,
			Delete:      aw.Delete,
			ColumnAllow: aw.ColumnAllow,
		}
	}

	return doc, diags, nil
}

type tableAccessWire struct {
	Read        bool     `yaml:"read,omitempty"`
	Create      bool     `yaml:"create,omitempty"`
	Update      bool     `yaml:"update,omitempty"`
	Delete      string   `yaml:"delete,omitempty"`
	ColumnAllow []string `yaml:"column_allow,omitempty"`
}

// LoadGroup reads and parses one groups/<name>.yaml document.
func LoadGroup(path string) (policycompiler.GroupDoc, []policycompiler.Diagnostic, error) {
	fields, diags, err := readTopLevel(path, map[string]bool{"version": true, "name": true, "tables": true})
	if err != nil {
		return policycompiler.GroupDoc{}, diags, err
	}

	doc := policycompiler.GroupDoc{Name: stripExt(filepath.Base(path))}
	if node, ok := fields["name"]; ok {
		if derr := decodeStrict(node, &doc.Name); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "group.name", derr))
		}
	}
	if node, ok := fields["tables"]; ok {
		if derr := decodeStrict(node, &doc.Tables); derr != nil {
			diags = append(diags, strictErr("", "", doc.Name, "group.tables", derr))
		}
	}
	return doc, diags, nil
}

// LoadRoles reads every *.yaml file directly under dir as a role document,
// sorted by filename so callers get a deterministic order.
func LoadRoles(dir string) ([]policycompiler.RoleDoc, []policycompiler.Diagnostic, error) {
	paths, err := yamlFilesIn(dir)
	if err != nil {
		return nil, nil, err
	}
	var docs []policycompiler.RoleDoc
	var diags []policycompiler.Diagnostic
	for _, p := range paths {
		doc, d, err := LoadRole(p)
		if err != nil {
			return nil, diags, fmt.Errorf("load role %s: %w", p, err)
		}
		diags = append(diags, d...)
		docs = append(docs, doc)
	}
	return docs, diags, nil
}

// LoadGroups reads every *.yaml file directly under dir as a group
// document, sorted by filename so callers get a deterministic order.
func LoadGroups(dir string) ([]policycompiler.GroupDoc, []policycompiler.Diagnostic, error) {
	paths, err := yamlFilesIn(dir)
	if err != nil {
		return nil, nil, err
	}
	var docs []policycompiler.GroupDoc
	var diags []policycompiler.Diagnostic
	for _, p := range paths {
		doc, d, err := LoadGroup(p)
		if err != nil {
			return nil, diags, fmt.Errorf("load group %s: %w", p, err)
		}
		diags = append(diags, d...)
		docs = append(docs, doc)
	}
	return docs, diags, nil
}

func yamlFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func stripExt(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
}

// readTopLevel reads the document at path, returning the mapping value
// node for every top-level key Cori recognizes. A top-level key absent
// from known produces a warning diagnostic and is otherwise ignored.
func readTopLevel(path string, known map[string]bool) (map[string]*yaml.Node, []policycompiler.Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return nil, nil, fmt.Errorf("%s: empty document", path)
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("%s: document root is not a mapping", path)
	}

	fields := make(map[string]*yaml.Node)
	var diags []policycompiler.Diagnostic
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		val := mapping.Content[i+1]
		if !known[key] {
			diags = append(diags, policycompiler.Diagnostic{
				Kind:     kindUnknownTopLevelField,
				Severity: policycompiler.SeverityWarning,
				Message:  fmt.Sprintf("%s: unknown top-level field %q", filepath.Base(path), key),
			})
			continue
		}
		fields[key] = val
	}
	return fields, diags, nil
}

// decodeStrict re-encodes node and decodes it into out with unknown-field
// rejection turned on, so a typo inside tables/columns/table_access
// surfaces as an error instead of silently vanishing.
func decodeStrict(node *yaml.Node, out any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(node); err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}

	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func strictErr(table, column, role, section string, err error) policycompiler.Diagnostic {
	return policycompiler.Diagnostic{
		Kind:     kindStrictDecode,
		Severity: policycompiler.SeverityError,
		Table:    table,
		Column:   column,
		Role:     role,
		Message:  fmt.Sprintf("%s: %s", section, err.Error()),
	}
}
