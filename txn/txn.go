package txn

import (
	"errors"
	"fmt"
	"sync"
)

// XID identifies a transaction.
type XID uint32

const (
	// InvalidXID marks an unset transaction reference (e.g. a live entry's xmax).
	InvalidXID XID = 0
	// FrozenXID is visible to every snapshot.
	FrozenXID XID = 2
	// FirstNormalXID is the first xid handed out by Begin.
	FirstNormalXID XID = 3
)

// Status is the commit status of a transaction.
type Status int

const (
	InProgress Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrNotActive is returned when a finished transaction is used.
var ErrNotActive = errors.New("transaction is not active")

// Observer is notified when a transaction ends. Observers are how per-transaction
// bookkeeping (pending creates and drops) is drained at the transaction boundary.
type Observer interface {
	TxEnd(tx *Tx, committed bool)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tx *Tx, committed bool)

func (f ObserverFunc) TxEnd(tx *Tx, committed bool) { f(tx, committed) }

// Manager is the host transaction collaborator: it hands out xids, tracks
// commit status, knows which backends are running, and computes the horizon
// before which retired data can no longer be seen.
type Manager struct {
	mu      sync.Mutex
	next    XID
	status  map[XID]Status
	running map[XID]*Tx
}

// NewManager creates a transaction manager.
func NewManager() *Manager {
	return &Manager{
		next:    FirstNormalXID,
		status:  make(map[XID]Status),
		running: make(map[XID]*Tx),
	}
}

// Begin starts a transaction on behalf of the backend process pid.
func (m *Manager) Begin(pid int) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.status[id] = InProgress

	tx := &Tx{m: m, id: id, pid: pid}
	tx.snap = m.snapshotLocked(id)
	tx.snapshots = []*Snapshot{tx.snap}
	m.running[id] = tx
	return tx
}

// Status returns the commit status of xid. Xids that were handed out but never
// finished by a live transaction count as aborted.
func (m *Manager) Status(xid XID) Status {
	if xid == FrozenXID {
		return Committed
	}
	if xid < FirstNormalXID {
		return Aborted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[xid]; ok {
		return s
	}
	return Aborted
}

// IsRunning reports whether xid belongs to a transaction still in progress.
func (m *Manager) IsRunning(xid XID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[xid]
	return ok
}

// ProcessRunning reports whether the backend pid has a transaction in progress.
func (m *Manager) ProcessRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.running {
		if tx.pid == pid {
			return true
		}
	}
	return false
}

// Horizon returns the oldest xid any running transaction may still consider
// in progress. Data retired by a transaction that committed below the horizon
// is invisible to every current and future snapshot.
func (m *Manager) Horizon() XID {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.next
	for _, tx := range m.running {
		tx.mu.Lock()
		for _, s := range tx.snapshots {
			if s.xmin < h {
				h = s.xmin
			}
		}
		tx.mu.Unlock()
	}
	return h
}

// Kill simulates the crash of backend pid: its transaction becomes aborted
// without running any observers.
func (m *Manager) Kill(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tx := range m.running {
		if tx.pid != pid {
			continue
		}
		tx.mu.Lock()
		tx.done = true
		tx.mu.Unlock()
		m.status[id] = Aborted
		delete(m.running, id)
	}
}

func (m *Manager) snapshotLocked(own XID) *Snapshot {
	s := &Snapshot{
		m:    m,
		own:  own,
		xmin: m.next,
		xmax: m.next,
		xip:  make(map[XID]struct{}, len(m.running)),
	}
	for id := range m.running {
		if id == own {
			continue
		}
		s.xip[id] = struct{}{}
		if id < s.xmin {
			s.xmin = id
		}
	}
	if own != InvalidXID && own < s.xmin {
		s.xmin = own
	}
	return s
}

func (m *Manager) finish(tx *Tx, committed bool) error {
	m.mu.Lock()
	if _, ok := m.running[tx.id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: xid %d", ErrNotActive, tx.id)
	}
	tx.mu.Lock()
	tx.done = true
	observers := tx.observers
	tx.observers = nil
	tx.keyed = nil
	tx.mu.Unlock()

	if committed {
		m.status[tx.id] = Committed
	} else {
		m.status[tx.id] = Aborted
	}
	delete(m.running, tx.id)
	m.mu.Unlock()

	// later registrations are drained first, as with a stack of cleanups
	for i := len(observers) - 1; i >= 0; i-- {
		observers[i].TxEnd(tx, committed)
	}
	return nil
}

// Tx is an active transaction context.
type Tx struct {
	m   *Manager
	id  XID
	pid int

	snap *Snapshot

	mu        sync.Mutex
	done      bool
	snapshots []*Snapshot
	observers []Observer
	keyed     map[any]Observer
}

// ID returns the transaction's xid.
func (tx *Tx) ID() XID { return tx.id }

// PID returns the backend process the transaction runs in.
func (tx *Tx) PID() int { return tx.pid }

// Manager returns the owning transaction manager.
func (tx *Tx) Manager() *Manager { return tx.m }

// Active reports whether the transaction is still in progress.
func (tx *Tx) Active() bool {
	if tx == nil {
		return false
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return !tx.done
}

// Snapshot returns the transaction snapshot taken at Begin.
func (tx *Tx) Snapshot() *Snapshot { return tx.snap }

// FreshSnapshot takes a new snapshot that sees everything committed so far
// plus the transaction's own work.
func (tx *Tx) FreshSnapshot() *Snapshot {
	tx.m.mu.Lock()
	s := tx.m.snapshotLocked(tx.id)
	tx.m.mu.Unlock()

	tx.mu.Lock()
	tx.snapshots = append(tx.snapshots, s)
	tx.mu.Unlock()
	return s
}

// Observe registers o to be notified when the transaction ends.
func (tx *Tx) Observe(o Observer) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return fmt.Errorf("%w: xid %d", ErrNotActive, tx.id)
	}
	tx.observers = append(tx.observers, o)
	return nil
}

// ObserverFor returns the observer registered under key, creating and
// registering it with create on first use. It scopes per-transaction state to
// the transaction itself.
func (tx *Tx) ObserverFor(key any, create func() Observer) (Observer, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, fmt.Errorf("%w: xid %d", ErrNotActive, tx.id)
	}
	if o, ok := tx.keyed[key]; ok {
		return o, nil
	}
	if tx.keyed == nil {
		tx.keyed = make(map[any]Observer)
	}
	o := create()
	tx.keyed[key] = o
	tx.observers = append(tx.observers, o)
	return o, nil
}

// Commit commits the transaction and notifies observers.
func (tx *Tx) Commit() error { return tx.m.finish(tx, true) }

// Abort aborts the transaction and notifies observers.
func (tx *Tx) Abort() error { return tx.m.finish(tx, false) }

// Snapshot decides which transactions' effects are visible.
type Snapshot struct {
	m    *Manager
	own  XID
	xmin XID
	xmax XID
	xip  map[XID]struct{}
}

// Own returns the xid whose uncommitted work the snapshot sees.
func (s *Snapshot) Own() XID { return s.own }

// Xmin returns the oldest xid still in progress when the snapshot was taken.
func (s *Snapshot) Xmin() XID { return s.xmin }

// Sees reports whether the effects of xid are visible to the snapshot.
func (s *Snapshot) Sees(xid XID) bool {
	switch {
	case xid == InvalidXID:
		return false
	case xid == FrozenXID:
		return true
	case xid == s.own:
		return true
	case xid >= s.xmax:
		return false
	}
	if _, inProgress := s.xip[xid]; inProgress {
		return false
	}
	return s.m.Status(xid) == Committed
}

// Visible applies the usual xmin/xmax rule: created by a visible transaction
// and not retired by one.
func (s *Snapshot) Visible(xmin, xmax XID) bool {
	if !s.Sees(xmin) {
		return false
	}
	return xmax == InvalidXID || !s.Sees(xmax)
}
