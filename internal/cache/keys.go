package cache

// Document layout shared by the ledger and notification stores.
//
//	users:{id}                  hash: balance, last_credit_request, last_credit_previous, push_token, display_name
//	ledger:entry:{entry_id}     JSON ledger entry
//	ledger:user:{id}            sorted set of entry ids scored by timestamp
//	notifications:{id}          JSON in-app notification
//	notifications:user:{id}     sorted set of notification ids scored by timestamp
const (
	FieldBalance            = "balance"
	FieldLastCreditRequest  = "last_credit_request"
	FieldLastCreditPrevious = "last_credit_previous"
	FieldPushToken          = "push_token"
	FieldDisplayName        = "display_name"
)

// UserKey returns the hash key of a user document.
func UserKey(userID string) string { return "users:" + userID }

// LedgerEntryKey returns the key of a ledger entry document.
func LedgerEntryKey(entryID string) string { return "ledger:entry:" + entryID }

// LedgerUserIndexKey returns the per-user ledger index key.
func LedgerUserIndexKey(userID string) string { return "ledger:user:" + userID }

// NotificationKey returns the key of an in-app notification document.
func NotificationKey(id string) string { return "notifications:" + id }

// NotificationUserIndexKey returns the per-user notification index key.
func NotificationUserIndexKey(userID string) string { return "notifications:user:" + userID }
