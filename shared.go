package netfs

import (
	"io"
	"sync/atomic"
)

// performance related stuff
type PerformanceCounterType int

const (
	SentOverWire PerformanceCounterType = iota
	ReceivedOverWire
	ConnectionsAccepted
	RequestsCompleted
	ProtocolErrors
	BackendErrors
	FilesRead
	FilesWritten
	NotificationsPolled
	maxperformancecountertype
)

func (ct PerformanceCounterType) String() string {
	switch ct {
	case SentOverWire:
		return "sent"
	case ReceivedOverWire:
		return "received"
	case ConnectionsAccepted:
		return "connections"
	case RequestsCompleted:
		return "requests"
	case ProtocolErrors:
		return "protocolerrors"
	case BackendErrors:
		return "backenderrors"
	case FilesRead:
		return "filesread"
	case FilesWritten:
		return "fileswritten"
	case NotificationsPolled:
		return "notifications"
	}
	return "unknown"
}

type AtomicAdder func(uint64)

type PerformanceEntry struct {
	counters [maxperformancecountertype]uint64
}

func (pe PerformanceEntry) Get(ct PerformanceCounterType) uint64 {
	return pe.counters[ct]
}

func (pe PerformanceEntry) Add(pe2 PerformanceEntry) PerformanceEntry {
	for i := range pe.counters {
		pe.counters[i] += pe2.counters[i]
	}
	return pe
}

type performance struct {
	current    atomic.Pointer[PerformanceEntry]
	maxhistory int
	entries    []PerformanceEntry
}

func NewPerformance() *performance {
	p := performance{}
	p.current.Store(&PerformanceEntry{})
	p.maxhistory = 300
	return &p
}

func (p *performance) GetAtomicAdder(ct PerformanceCounterType) AtomicAdder {
	return func(v uint64) {
		p.Add(ct, v)
	}
}

func (p *performance) Add(ct PerformanceCounterType, v uint64) {
	pc := p.current.Load()
	atomic.AddUint64(&pc.counters[ct], v)
}

// Current returns a copy of the counters accumulated since the last
// NextHistory.
func (p *performance) Current() PerformanceEntry {
	pc := p.current.Load()
	var snapshot PerformanceEntry
	for i := range pc.counters {
		snapshot.counters[i] = atomic.LoadUint64(&pc.counters[i])
	}
	return snapshot
}

// NextHistory closes the current period, stores it in the history and
// returns it.
func (p *performance) NextHistory() PerformanceEntry {
	newhistory := PerformanceEntry{}
	oldhistory := p.current.Swap(&newhistory)
	if len(p.entries) > p.maxhistory {
		copy(p.entries, p.entries[1:])
		p.entries[len(p.entries)-1] = *oldhistory
	} else {
		p.entries = append(p.entries, *oldhistory)
	}
	return *oldhistory
}

type PerformanceWrapperReadWriteCloser struct {
	onWrite, onRead AtomicAdder
	rwc             io.ReadWriteCloser
}

func NewPerformanceWrapper(rwc io.ReadWriteCloser, onRead, onWrite AtomicAdder) *PerformanceWrapperReadWriteCloser {
	return &PerformanceWrapperReadWriteCloser{onWrite: onWrite, onRead: onRead, rwc: rwc}
}

func (pw *PerformanceWrapperReadWriteCloser) Write(b []byte) (int, error) {
	n, err := pw.rwc.Write(b)
	pw.onWrite(uint64(n))
	return n, err
}

func (pw *PerformanceWrapperReadWriteCloser) Read(b []byte) (int, error) {
	n, err := pw.rwc.Read(b)
	pw.onRead(uint64(n))
	return n, err
}

func (pw *PerformanceWrapperReadWriteCloser) Close() error {
	return pw.rwc.Close()
}
