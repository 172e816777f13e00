package serv

import (
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb" // sqlserver driver
	gomysql "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib" // pgx driver

	"github.com/qbloq/datagate/core"
)

// openDB returns the pool opener the engine calls for the configured
// backend, with the service's pool tuning applied.
func openDB(conf *Config) core.OpenDBFunc {
	return func(kind, connString string) (*sql.DB, error) {
		driver, err := driverFor(kind)
		if err != nil {
			return nil, err
		}
		if kind == core.DBTypeMySQL {
			if connString, err = mysqlDSN(connString); err != nil {
				return nil, err
			}
		}

		db, err := sql.Open(driver, connString)
		if err != nil {
			return nil, err
		}

		if conf.DB.MaxOpenConns > 0 {
			db.SetMaxOpenConns(conf.DB.MaxOpenConns)
		}
		if conf.DB.MaxIdleConns > 0 {
			db.SetMaxIdleConns(conf.DB.MaxIdleConns)
		}
		if conf.DB.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(conf.DB.ConnMaxLifetime)
		}
		return db, nil
	}
}

// mysqlDSN normalizes a MySQL connection string. clientFoundRows makes
// RowsAffected count matched rows instead of changed ones; the engine's
// update miss detection relies on that.
func mysqlDSN(connString string) (string, error) {
	cfg, err := gomysql.ParseDSN(connString)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func driverFor(kind string) (string, error) {
	switch kind {
	case core.DBTypePostgres:
		return "pgx", nil
	case core.DBTypeMySQL:
		return "mysql", nil
	case core.DBTypeMSSQL, core.DBTypeDWSQL:
		return "sqlserver", nil
	case core.DBTypeCosmosSQL, core.DBTypeCosmosNoSQL:
		// No bundled driver speaks the Cosmos SQL API over database/sql.
		// Embedders supply their own via core.Dependencies.OpenDB.
		return "", fmt.Errorf("database type %q requires a custom database/sql driver", kind)
	default:
		return "", fmt.Errorf("unsupported database type %q", kind)
	}
}
