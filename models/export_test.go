package models

import "gorm.io/gorm"

// SetMergeVerifyHook lets tests inject a fault between the target write and
// the verification read.
func SetMergeVerifyHook(f func(tx *gorm.DB, targetId int) error) {
	beforeMergeVerify = f
}
