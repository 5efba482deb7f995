package nandsim

import "sync"

// BootState is a simulated pair of persistent boot-state bits. It implements
// [nand.BootStateRegisters].
type BootState struct {
	mutex               sync.Mutex
	bootedFromSecondary bool
	rewriteNeeded       bool
}

func (s *BootState) BootedFromSecondary() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.bootedFromSecondary
}

func (s *BootState) RewriteNeeded() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rewriteNeeded
}

func (s *BootState) SetBootedFromSecondary(value bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bootedFromSecondary = value
}

func (s *BootState) SetRewriteNeeded(value bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rewriteNeeded = value
}
