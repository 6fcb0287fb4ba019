package core

import "sync"

var (
	storeOnce   sync.Once
	globalStore *Store
)

// InitStore initialises the global store using OpenStore at the given path.
func InitStore(path string, purgeWindow uint64) error {
	var err error
	storeOnce.Do(func() {
		globalStore, err = OpenStore(path, purgeWindow)
	})
	return err
}

// CurrentStore returns the global store instance if initialised.
func CurrentStore() *Store { return globalStore }

var (
	schedulerOnce   sync.Once
	globalScheduler *Scheduler
)

// InitScheduler stores a global scheduler instance for CLI/RPC helpers.
func InitScheduler(sc *Scheduler) {
	schedulerOnce.Do(func() { globalScheduler = sc })
}

// CurrentScheduler returns the global scheduler if initialised.
func CurrentScheduler() *Scheduler { return globalScheduler }

var (
	validatorOnce   sync.Once
	globalValidator *EpochValidator
)

// InitEpochValidator stores a global epoch validator instance.
func InitEpochValidator(v *EpochValidator) {
	validatorOnce.Do(func() { globalValidator = v })
}

// CurrentEpochValidator returns the global epoch validator if initialised.
func CurrentEpochValidator() *EpochValidator { return globalValidator }

var (
	engineOnce   sync.Once
	globalEngine *Engine
)

// InitEngine stores a global execution engine instance for CLI/RPC helpers.
func InitEngine(e *Engine) {
	engineOnce.Do(func() { globalEngine = e })
}

// CurrentEngine returns the global execution engine if initialised.
func CurrentEngine() *Engine { return globalEngine }
