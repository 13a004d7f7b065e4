package models

import "github.com/cellarkeep/cellar_backend/config"

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Bottle{},
		&BottleCode{},
		&CellarEntry{},
		&User{},
		&MergeEventRecord{},
	)
}
