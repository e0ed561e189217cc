package lifecycle

import (
	"fmt"
	"sync"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// portBand is a single reserved range single-scanned for one free port.
type portBand struct {
	base int
	max  int
}

// PortAllocator hands out the two host ports (SSH, internal HTTP) an
// agent needs, each from its own reserved band per spec.md §4.1: SSH
// ports starting at 2222, internal HTTP ports starting at 8000.
// Grounded on the teacher's instance.PortAllocator linear-scan
// allocator; Trinity needs one port per band per agent rather than a
// single port per instance, so Allocate scans both bands independently
// instead of one merged range.
type PortAllocator struct {
	sshBand  portBand
	httpBand portBand

	allocated map[int]string // port -> agent name
	mu        sync.Mutex
}

// NewPortAllocator manages SSH ports in [sshBase, sshMax] and internal
// HTTP ports in [httpBase, httpMax].
func NewPortAllocator(sshBase, sshMax, httpBase, httpMax int) *PortAllocator {
	return &PortAllocator{
		sshBand:   portBand{base: sshBase, max: sshMax},
		httpBand:  portBand{base: httpBase, max: httpMax},
		allocated: make(map[int]string),
	}
}

func (p *PortAllocator) scan(band portBand) (int, bool) {
	for port := band.base; port <= band.max; port++ {
		if _, exists := p.allocated[port]; !exists {
			return port, true
		}
	}
	return 0, false
}

// Allocate reserves a (SSH, internal HTTP) port pair for agentName, one
// free port from each band.
func (p *PortAllocator) Allocate(agentName string) (domain.Ports, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sshPort, ok := p.scan(p.sshBand)
	if !ok {
		return domain.Ports{}, fmt.Errorf("no available SSH port in range [%d, %d]", p.sshBand.base, p.sshBand.max)
	}
	httpPort, ok := p.scan(p.httpBand)
	if !ok {
		return domain.Ports{}, fmt.Errorf("no available internal HTTP port in range [%d, %d]", p.httpBand.base, p.httpBand.max)
	}

	p.allocated[sshPort] = agentName
	p.allocated[httpPort] = agentName
	return domain.Ports{SSHPort: sshPort, InternalHTTP: httpPort}, nil
}

// Release frees both ports held by an agent. No-op for unallocated ports.
func (p *PortAllocator) Release(ports domain.Ports) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, ports.SSHPort)
	delete(p.allocated, ports.InternalHTTP)
}

// Reserve marks a port pair as already in use, for reattaching to
// existing agents on startup without re-running Allocate's scan.
func (p *PortAllocator) Reserve(agentName string, ports domain.Ports) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated[ports.SSHPort] = agentName
	p.allocated[ports.InternalHTTP] = agentName
}
