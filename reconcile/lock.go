package reconcile

import (
	"fmt"

	"gorm.io/gorm"
)

const runLockName = "reconciliation:run"

// AcquireRunLock serializes reconciliation runs across instances using a MySQL
// advisory lock. The wait is short on purpose: a second trigger while a run is
// active should fail fast, not queue.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that executes the run.
func AcquireRunLock(tx *gorm.DB) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 5)", runLockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire reconciliation run lock")
	}
	return nil
}

func ReleaseRunLock(tx *gorm.DB) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", runLockName).Scan(&_ok).Error
}
