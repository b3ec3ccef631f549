package shared

import "fmt"

// AccountLockKey builds the lock key serialising ledger recalculation for one account.
func AccountLockKey(accountID int64) string {
	return fmt.Sprintf("ledger:account:%d", accountID)
}

// StockCountLockKey builds the lock key serialising item regeneration for one stock count.
func StockCountLockKey(stockCountID int64) string {
	return fmt.Sprintf("inventory:stock-count:%d", stockCountID)
}
