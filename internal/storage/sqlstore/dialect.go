package sqlstore

import (
	stdErrors "errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

type dialect struct {
	name       string
	driver     string
	forUpdate  string
	singleConn bool
	pragmas    []string
	duplicate  func(error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "mysql":
		return dialect{
			name:      "mysql",
			driver:    "mysql",
			forUpdate: " FOR UPDATE",
			duplicate: func(err error) bool {
				var mysqlErr *mysql.MySQLError
				return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
			},
		}, nil
	case "sqlite", "sqlite3":
		return dialect{
			name:       "sqlite",
			driver:     "sqlite3",
			singleConn: true,
			pragmas:    []string{"PRAGMA busy_timeout = 5000"},
			duplicate: func(err error) bool {
				var sqliteErr sqlite3.Error
				if !stdErrors.As(err, &sqliteErr) {
					return false
				}
				return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
					sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
			},
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}
