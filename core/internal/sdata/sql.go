package sdata

import (
	_ "embed"
	"fmt"
)

//go:embed sql/postgres_columns.sql
var postgresColumnsStmt string

//go:embed sql/postgres_keys.sql
var postgresKeysStmt string

//go:embed sql/postgres_fkeys.sql
var postgresFKeysStmt string

//go:embed sql/postgres_params.sql
var postgresParamsStmt string

//go:embed sql/mysql_columns.sql
var mysqlColumnsStmt string

//go:embed sql/mysql_keys.sql
var mysqlKeysStmt string

//go:embed sql/mysql_fkeys.sql
var mysqlFKeysStmt string

//go:embed sql/mysql_params.sql
var mysqlParamsStmt string

//go:embed sql/mssql_columns.sql
var mssqlColumnsStmt string

//go:embed sql/mssql_keys.sql
var mssqlKeysStmt string

//go:embed sql/mssql_fkeys.sql
var mssqlFKeysStmt string

//go:embed sql/mssql_params.sql
var mssqlParamsStmt string

// introspectionStmts returns the column, primary-key and foreign-key
// statements for the backend. Azure Synapse (dwsql) shares the SQL Server
// catalog views.
func introspectionStmts(dbtype string) (cols, keys, fkeys string, err error) {
	switch dbtype {
	case "postgresql":
		return postgresColumnsStmt, postgresKeysStmt, postgresFKeysStmt, nil
	case "mysql":
		return mysqlColumnsStmt, mysqlKeysStmt, mysqlFKeysStmt, nil
	case "mssql", "dwsql":
		return mssqlColumnsStmt, mssqlKeysStmt, mssqlFKeysStmt, nil
	default:
		return "", "", "", fmt.Errorf("no introspection support for database type %q", dbtype)
	}
}

func procedureStmt(dbtype string) (string, error) {
	switch dbtype {
	case "postgresql":
		return postgresParamsStmt, nil
	case "mysql":
		return mysqlParamsStmt, nil
	case "mssql", "dwsql":
		return mssqlParamsStmt, nil
	default:
		return "", fmt.Errorf("no stored procedure support for database type %q", dbtype)
	}
}
