package catalog

import (
	"context"

	"github.com/guileen/querycore/types"
)

// SchemaManager resolves and changes table definitions.
type SchemaManager interface {
	CreateTable(ctx context.Context, def *types.TableDefinition) error
	DropTable(ctx context.Context, tableName string) error
	GetTableDefinition(ctx context.Context, tableName string) (*types.TableDefinition, error)
	ListTables(ctx context.Context) ([]*types.TableDefinition, error)
}

// IndexManager tracks secondary index definitions.
type IndexManager interface {
	CreateIndex(ctx context.Context, tableName string, indexDef types.IndexDefinition) error
	DropIndex(ctx context.Context, indexName string) (tableName string, err error)
	IndexTable(ctx context.Context, indexName string) (string, bool)
}

// PrivilegeManager records GRANT and REVOKE. Enforcement belongs to the
// authentication layer, which is not part of the query core.
type PrivilegeManager interface {
	Grant(ctx context.Context, p Privilege) error
	Revoke(ctx context.Context, p Privilege) error
	Privileges(ctx context.Context, tableName string) []Privilege
}

// Catalog is the schema collaborator consumed by the planner.
type Catalog interface {
	SchemaManager
	IndexManager
	PrivilegeManager
	// Version increases on every schema change.
	Version() uint64
}

// Privilege is one granted action on a table.
type Privilege struct {
	Grantee string `json:"grantee"`
	Table   string `json:"table"`
	Action  string `json:"action"`
}

// ValidActions are the privilege names GRANT and REVOKE accept.
var ValidActions = []string{"SELECT", "INSERT", "UPDATE", "DELETE", "ALL"}
