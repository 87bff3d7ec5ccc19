package persistence

// NewEntityStore builds an EntityStore for the configured driver.
// "memory" is the in-process default; anything else goes through GORM.
func NewEntityStore(driver, dsn string, pool PoolOptions) (EntityStore, error) {
	if driver == "" || driver == "memory" {
		return NewMemoryEntityStore(), nil
	}
	return NewGormEntityStore(driver, dsn, pool)
}

// NewTaskStore builds a TaskStore. An empty Redis address selects the
// in-process store; tasks then survive step retries but not restarts.
func NewTaskStore(opts RedisOptions) (TaskStore, error) {
	if opts.Addr == "" {
		return NewMemoryTaskStore(), nil
	}
	return NewRedisTaskStore(opts)
}
