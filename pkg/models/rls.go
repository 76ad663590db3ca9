package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operators accepted in row-level security filters.
var RLSOperators = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"IN": true, "NOT IN": true, "LIKE": true, "NOT LIKE": true,
	"IS NULL": true, "IS NOT NULL": true,
}

// RLSFilter constrains the rows a user may see in one table. Multiple
// filters for the same user combine with AND.
type RLSFilter struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Table        string    `json:"table"`
	Column       string    `json:"column"`
	Operator     string    `json:"operator"`
	Value        any       `json:"value"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TablePermission grants or denies reads on one table and optionally
// restricts visible columns.
type TablePermission struct {
	Table          string   `json:"table"`
	CanRead        bool     `json:"can_read"`
	AllowedColumns []string `json:"allowed_columns,omitempty"`
	DeniedColumns  []string `json:"denied_columns,omitempty"`
}

// UserContext is the effective identity for one request against one
// connection.
type UserContext struct {
	UserID           string                     `json:"user_id"`
	ConnectionID     uuid.UUID                  `json:"connection_id"`
	Roles            []string                   `json:"roles,omitempty"`
	IsAdmin          bool                       `json:"is_admin"`
	Filters          []RLSFilter                `json:"rls_filters,omitempty"`
	TablePermissions map[string]TablePermission `json:"table_permissions,omitempty"`
}

// FiltersForTable returns the active filters scoped to one table.
func (u *UserContext) FiltersForTable(table string) []RLSFilter {
	var out []RLSFilter
	for _, f := range u.Filters {
		if f.Active && f.Table == table {
			out = append(out, f)
		}
	}
	return out
}

// Digest returns a stable hash of roles, active filters and table
// permissions. Result-cache keys include it so RLS variation between
// users never aliases cache entries.
func (u *UserContext) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "user=%s;admin=%t;", u.UserID, u.IsAdmin)

	roles := append([]string(nil), u.Roles...)
	sort.Strings(roles)
	for _, r := range roles {
		fmt.Fprintf(h, "role=%s;", r)
	}

	filters := append([]RLSFilter(nil), u.Filters...)
	sort.Slice(filters, func(i, j int) bool {
		if filters[i].Table != filters[j].Table {
			return filters[i].Table < filters[j].Table
		}
		if filters[i].Column != filters[j].Column {
			return filters[i].Column < filters[j].Column
		}
		return filters[i].Operator < filters[j].Operator
	})
	for _, f := range filters {
		if !f.Active {
			continue
		}
		val, _ := json.Marshal(f.Value)
		fmt.Fprintf(h, "f=%s.%s %s %s;", f.Table, f.Column, f.Operator, val)
	}

	tables := make([]string, 0, len(u.TablePermissions))
	for t := range u.TablePermissions {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		p := u.TablePermissions[t]
		allowed := append([]string(nil), p.AllowedColumns...)
		denied := append([]string(nil), p.DeniedColumns...)
		sort.Strings(allowed)
		sort.Strings(denied)
		fmt.Fprintf(h, "p=%s:%t:%v:%v;", t, p.CanRead, allowed, denied)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Audit actions recorded for configuration mutations.
const (
	AuditActionCreate     = "CREATE"
	AuditActionUpdate     = "UPDATE"
	AuditActionDelete     = "DELETE"
	AuditActionActivate   = "ACTIVATE"
	AuditActionDeactivate = "DEACTIVATE"
)

// AuditActor identifies who performs a configuration mutation.
type AuditActor struct {
	UserID    string `json:"user_id"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditRecord is one append-only row describing a configuration change.
type AuditRecord struct {
	ID         uuid.UUID       `json:"id"`
	Who        string          `json:"who"`
	When       time.Time       `json:"when"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	IP         string          `json:"ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
}
