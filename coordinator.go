package stm

import "context"

// Participant is the callback surface an ambient two-phase-commit
// Coordinator drives a transaction through (spec §7). Prepare acquires and
// validates the transaction's write-set without publishing anything; a
// successful Prepare is a promise that Commit cannot fail. Rollback aborts
// the transaction and releases anything Prepare acquired.
type Participant interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Coordinator enlists a transaction's Participant alongside whatever other
// resources (a SQL transaction, a message broker publish, another STM
// runtime) must commit atomically with it. This package does not implement
// a Coordinator itself — it only speaks the Participant protocol so one
// written elsewhere can drive it.
type Coordinator interface {
	Enlist(p Participant) error
}

// Enlist registers t with c as a Participant. t must be a root, Active
// transaction that has not already been enlisted. Once enlisted, calling
// Commit no longer runs the commit protocol directly — it marks t
// PreparedPending and returns at once; publication happens only when c
// calls Prepare and then Commit (or Rollback) on the Participant created
// here.
func (t *Txn) Enlist(c Coordinator) error {
	if t.parent != nil {
		return ErrNestedPending
	}
	if t.state != StateActive {
		return ErrAlreadyTerminated
	}
	if t.enlisted {
		return nil
	}
	if err := c.Enlist(&txnParticipant{t: t}); err != nil {
		return err
	}
	t.coordinator = c
	t.enlisted = true
	return nil
}

// txnParticipant adapts a Txn to the Participant interface, splitting the
// commit protocol at the same Phase 2/Phase 3 boundary commitRoot uses
// internally (see engine.go's phase1And2/phase3Publish).
type txnParticipant struct {
	t *Txn
}

func (p *txnParticipant) Prepare(ctx context.Context) error {
	if p.t.state != StatePreparedPending {
		return ErrAlreadyTerminated
	}
	if err := p.t.phase1And2(); err != nil {
		return err
	}
	p.t.state = StateCommitting
	return nil
}

func (p *txnParticipant) Commit(ctx context.Context) error {
	if p.t.state != StateCommitting {
		return ErrAlreadyTerminated
	}
	p.t.phase3Publish()
	return nil
}

func (p *txnParticipant) Rollback(ctx context.Context) error {
	switch p.t.state {
	case StateCommitted, StateAborted:
		return nil
	default:
		p.t.abort()
		return nil
	}
}
