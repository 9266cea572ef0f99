package interfaces

// StorageManager - composite interface over the configured storage backend
type StorageManager interface {
	JobStorage() JobStorage
	Close() error
}
