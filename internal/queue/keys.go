package queue

import "errors"

const (
	keyQueuePrefix     = "scand:queue:"
	keyDLQPrefix       = "scand:dlq:"
	keyIdemPrefix      = "scand:idem:"
	keyHeartbeatPrefix = "scand:hb:"
	keySlotPrefix      = "scand:slots:"
)

var (
	ErrDLQEntryNotFound = errors.New("dead letter entry not found")
)

func queueKey(pool string) string {
	return keyQueuePrefix + pool
}

func dlqKey(pool string) string {
	return keyDLQPrefix + pool
}

func idemKey(key string) string {
	return keyIdemPrefix + key
}

func heartbeatKey(taskID string) string {
	return keyHeartbeatPrefix + taskID
}

func slotKey(pool, instanceID string) string {
	return keySlotPrefix + pool + ":" + instanceID
}
