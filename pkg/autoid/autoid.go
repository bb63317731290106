package autoid

import (
	"sync"

	"github.com/google/uuid"
)

// SeqAllocator hands out process-local sequential IDs, used for naming
// remote work units within one substrate instance.
type SeqAllocator struct {
	sync.Mutex
	nextID int64
}

func NewSeqAllocator() *SeqAllocator {
	return new(SeqAllocator)
}

func (a *SeqAllocator) AllocID() int64 {
	a.Lock()
	defer a.Unlock()
	a.nextID++
	return a.nextID
}

// UUIDAllocator hands out globally unique string IDs, used for trial IDs
// and checkpoint keys.
type UUIDAllocator struct{}

func NewUUIDAllocator() *UUIDAllocator {
	return new(UUIDAllocator)
}

func (a *UUIDAllocator) AllocID() string {
	return uuid.New().String()
}
