package app

// Application is one simulated replica under test.
type Application interface {
	ID() int
	Start(members []uint64) error
	Shutdown()
	IsCrash() bool

	Propose(value int) (uint64, uint64, bool)
	GenSnapshot() (uint64, uint64)

	GetState() (uint64, bool)
	ApplyError() error

	LogLength() int
	LogAt(position int) (int, bool)
}

// Checker is used by the environment to cross-check applied entries
// across replicas.
type Checker interface {
	CheckApply(id, position, value int) error
}
