// Package catalog projects an EffectivePolicy into the deterministic list
// of RPC tools a given role, tenant, and token whitelist may call. The
// projection never exposes the tenant restriction itself in a tool's
// schema — tenancy is applied implicitly by the query builder, never
// something an agent can see or pass as an argument.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/tokenengine"
)

// ArgumentDescriptor is one named, typed argument a tool accepts.
type ArgumentDescriptor struct {
	Name     string
	Type     string
	Required bool
	Enum     []string // non-nil when the column is restrict_to-limited
}

// ToolDescriptor is the catalog's unit of output: one callable RPC tool.
type ToolDescriptor struct {
	Name      string
	Table     string
	Verb      string
	Arguments []ArgumentDescriptor
	Returns   []string // readable columns, in schema order
}

// cacheKey identifies one catalog derivation. ClaimWhitelistHash lets two
// tokens with the same role and tenant but different table/column
// whitelists get distinct cached catalogs, per spec.md §5.
type cacheKey struct {
	Role              string
	Tenant            string
	ClaimWhitelistHash string
}

// Cache memoizes catalog derivations. The zero value is ready to use.
// Safe for concurrent use by multiple goroutines. Build is pure given an
// EffectivePolicy value, so entries are tied to the policy they were built
// from: a Get with a different policy (as after a reload) discards every
// cached entry before storing its own.
type Cache struct {
	mu      sync.RWMutex
	policy  *policycompiler.EffectivePolicy
	entries map[cacheKey][]ToolDescriptor
}

// NewCache returns an empty catalog cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey][]ToolDescriptor)}
}

// Get returns the cached tool list for claims against policy, computing and
// storing it on first use.
func (c *Cache) Get(policy *policycompiler.EffectivePolicy, claims tokenengine.Claims) []ToolDescriptor {
	key := cacheKey{
		Role:               claims.Role,
		Tenant:              claims.Tenant,
		ClaimWhitelistHash:  whitelistHash(claims),
	}

	c.mu.RLock()
	if c.policy == policy {
		if tools, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return tools
		}
	}
	c.mu.RUnlock()

	tools := Build(policy, claims)

	c.mu.Lock()
	if c.policy != policy || c.entries == nil {
		c.policy = policy
		c.entries = make(map[cacheKey][]ToolDescriptor)
	}
	c.entries[key] = tools
	c.mu.Unlock()
	return tools
}

// whitelistHash fingerprints the token's table/column restriction so that
// two tokens for the same role+tenant but different attenuations never
// share a cache entry.
func whitelistHash(claims tokenengine.Claims) string {
	h := sha256.New()
	tables := append([]string{}, claims.TableAllow...)
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Fprintf(h, "t:%s;", t)
	}
	cols := make([]string, 0, len(claims.ColumnAllow))
	for t := range claims.ColumnAllow {
		cols = append(cols, t)
	}
	sort.Strings(cols)
	for _, t := range cols {
		allowed := append([]string{}, claims.ColumnAllow[t]...)
		sort.Strings(allowed)
		fmt.Fprintf(h, "c:%s=%s;", t, strings.Join(allowed, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Build projects policy for claims.Role into a deterministic tool list,
// restricted to tables claims.TableAllow permits (nil means unrestricted).
func Build(policy *policycompiler.EffectivePolicy, claims tokenengine.Claims) []ToolDescriptor {
	rolePolicy, ok := policy.Roles[claims.Role]
	if !ok {
		return nil
	}

	tableNames := make([]string, 0, len(rolePolicy.Tables))
	for name := range rolePolicy.Tables {
		tableNames = append(tableNames, name)
	}
	sort.Strings(tableNames)

	var tools []ToolDescriptor
	for _, tableName := range tableNames {
		if !tableAllowed(claims, tableName) {
			continue
		}
		tablePolicy := rolePolicy.Tables[tableName]
		schemaTable := policy.Schema.Tables[tableName]

		readable := readableColumns(schemaTable, tablePolicy, claims, tableName)

		if tablePolicy.Read {
			tools = append(tools, ToolDescriptor{
				Name:    toolName(verbGet, tableName),
				Table:   tableName,
				Verb:    string(verbGet),
				Returns: readable,
				Arguments: []ArgumentDescriptor{
					{Name: "id", Type: "uuid", Required: true},
				},
			})
			tools = append(tools, ToolDescriptor{
				Name:    toolName(verbList, tableName),
				Table:   tableName,
				Verb:    string(verbList),
				Returns: readable,
				Arguments: []ArgumentDescriptor{
					{Name: "limit", Type: "int"},
					{Name: "offset", Type: "int"},
				},
			})
		}
		if tablePolicy.Create {
			tools = append(tools, ToolDescriptor{
				Name:      toolName(verbCreate, tableName),
				Table:     tableName,
				Verb:      string(verbCreate),
				Returns:   readable,
				Arguments: writableArguments(schemaTable, tablePolicy, claims, tableName, true),
			})
		}
		if tablePolicy.Update {
			tools = append(tools, ToolDescriptor{
				Name:      toolName(verbUpdate, tableName),
				Table:     tableName,
				Verb:      string(verbUpdate),
				Returns:   readable,
				Arguments: append([]ArgumentDescriptor{{Name: "id", Type: "uuid", Required: true}}, writableArguments(schemaTable, tablePolicy, claims, tableName, false)...),
			})
		}
		if tablePolicy.Delete != policycompiler.DeleteNone {
			tools = append(tools, ToolDescriptor{
				Name:    toolName(verbDelete, tableName),
				Table:   tableName,
				Verb:    string(verbDelete),
				Returns: nil,
				Arguments: []ArgumentDescriptor{
					{Name: "id", Type: "uuid", Required: true},
				},
			})
		}
	}
	return tools
}

func tableAllowed(claims tokenengine.Claims, table string) bool {
	if claims.TableAllow == nil {
		return true
	}
	for _, t := range claims.TableAllow {
		if t == table {
			return true
		}
	}
	return false
}

func columnAllowed(claims tokenengine.Claims, table, column string) bool {
	if claims.ColumnAllow == nil {
		return true
	}
	allowed, restricted := claims.ColumnAllow[table]
	if !restricted {
		return true
	}
	for _, c := range allowed {
		if c == column {
			return true
		}
	}
	return false
}

// readableColumns intersects the role's column allow-list with the token's
// column whitelist, in schema order — never SELECT * (spec.md §4.5 also
// relies on this ordering).
func readableColumns(table policycompiler.Table, tp policycompiler.TablePolicy, claims tokenengine.Claims, tableName string) []string {
	order := schemaColumnOrder(table)
	var out []string
	for _, col := range order {
		if len(tp.ColumnAllow) > 0 && !contains(tp.ColumnAllow, col) {
			continue
		}
		if !columnAllowed(claims, tableName, col) {
			continue
		}
		out = append(out, col)
	}
	return out
}

func writableArguments(table policycompiler.Table, tp policycompiler.TablePolicy, claims tokenengine.Claims, tableName string, forCreate bool) []ArgumentDescriptor {
	order := schemaColumnOrder(table)
	var args []ArgumentDescriptor
	for _, col := range order {
		if col == table.TenantColumn {
			continue
		}
		if len(tp.ColumnAllow) > 0 && !contains(tp.ColumnAllow, col) {
			continue
		}
		if !columnAllowed(claims, tableName, col) {
			continue
		}
		column := table.Columns[col]
		arg := ArgumentDescriptor{
			Name:     col,
			Type:     column.Type,
			Required: forCreate && column.Required,
		}
		if allowed, ok := tp.RestrictTo[col]; ok {
			arg.Enum = allowed
		}
		args = append(args, arg)
	}
	return args
}

// schemaColumnOrder returns a table's column names in the schema
// document's declaration order (Table.ColumnOrder), the same order the
// query builder projects in. A table built without a ColumnOrder falls
// back to alphabetical order, which is still deterministic and independent
// of agent input.
func schemaColumnOrder(table policycompiler.Table) []string {
	if len(table.ColumnOrder) > 0 {
		return table.ColumnOrder
	}
	names := make([]string, 0, len(table.Columns))
	for name := range table.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
