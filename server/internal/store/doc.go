// Package store holds server-side state: the latest reading per machine
// (Machines, TTL-evicted) and the alert stores behind alerts.Store
// (MemoryAlerts for tests and single-node use, SQLiteAlerts for persistence).
package store
