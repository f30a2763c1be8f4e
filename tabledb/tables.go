package tabledb

import (
	"fmt"
	"slices"

	"github.com/jmcleod/assetledger/storage"
)

// Logical table keys. Remote names default to the key and may be renamed
// per deployment.
const (
	Users          = "Users"
	Locations      = "Locations"
	Suppliers      = "Suppliers"
	Categories     = "Categories"
	SubCategories  = "SubCategories"
	Assets         = "Assets"
	Transfers      = "Transfers"
	PasswordResets = "PasswordResets"
)

// Table describes one canonical table.
type Table struct {
	// Key is the logical name used by callers.
	Key string
	// Name is the remote worksheet name.
	Name   string
	Header storage.Row
	// IDPrefix, when set, is used to mint IDs for appended rows whose
	// first column is blank.
	IDPrefix string
}

// Column returns the 0-based position of field in the header, or -1.
func (t Table) Column(field string) int {
	return slices.Index(t.Header, field)
}

// Catalog is the fixed set of tables the application knows about.
type Catalog struct {
	keys   []string
	tables map[string]Table
}

var canonical = []Table{
	{Key: Users, Header: storage.Row{"Username", "Password", "Email", "Role"}},
	{Key: Locations, IDPrefix: "LOC", Header: storage.Row{"Location ID", "Location Name", "Department"}},
	{Key: Suppliers, IDPrefix: "SUP", Header: storage.Row{"Supplier ID", "Supplier Name"}},
	{Key: Categories, IDPrefix: "CAT", Header: storage.Row{"Category ID", "Category Name"}},
	{Key: SubCategories, IDPrefix: "SUB", Header: storage.Row{"SubCategory ID", "Category ID", "Category Name", "SubCategory Name"}},
	{Key: Assets, IDPrefix: "AST", Header: storage.Row{
		"Asset ID", "Asset Name", "Category", "Sub Category", "Model/Serial No",
		"Purchase Date", "Purchase Cost", "Warranty", "Supplier", "Location",
		"Assigned To", "Condition", "Status", "Remarks", "Attachment",
	}},
	{Key: Transfers, IDPrefix: "TRF", Header: storage.Row{"Transfer ID", "Asset ID", "From Location", "To Location", "Date", "Approved By"}},
	{Key: PasswordResets, Header: storage.Row{"Username", "Reset Token", "Expiry"}},
}

// DefaultCatalog returns the canonical tables under their default names.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(nil)
	return c
}

// NewCatalog returns the canonical tables with remote names overridden by
// renames (logical key to remote name). Unknown keys, empty names and two
// tables sharing a remote name are rejected.
func NewCatalog(renames map[string]string) (*Catalog, error) {
	c := &Catalog{tables: make(map[string]Table, len(canonical))}
	for _, t := range canonical {
		t.Name = t.Key
		t.Header = t.Header.Clone()
		c.tables[t.Key] = t
		c.keys = append(c.keys, t.Key)
	}
	for key, name := range renames {
		t, ok := c.tables[key]
		if !ok {
			return nil, fmt.Errorf("rename %q: %w", key, ErrUnknownTable)
		}
		if name == "" {
			return nil, fmt.Errorf("rename %q: empty table name", key)
		}
		t.Name = name
		c.tables[key] = t
	}
	seen := make(map[string]string, len(c.tables))
	for _, key := range c.keys {
		name := c.tables[key].Name
		if other, dup := seen[name]; dup {
			return nil, fmt.Errorf("tables %s and %s both map to %q", other, key, name)
		}
		seen[name] = key
	}
	return c, nil
}

// Lookup returns the table registered under key.
func (c *Catalog) Lookup(key string) (Table, error) {
	t, ok := c.tables[key]
	if !ok {
		return Table{}, fmt.Errorf("%s: %w", key, ErrUnknownTable)
	}
	t.Header = t.Header.Clone()
	return t, nil
}

// Keys returns the logical keys in canonical order.
func (c *Catalog) Keys() []string {
	return slices.Clone(c.keys)
}
