package actorfabric

import (
	"context"

	"github.com/arinet/ipcpd/internal/cdap"
	"github.com/arinet/ipcpd/internal/rib"
)

// RibHandle is the mailbox-serialized front door to a *rib.RIB. The RIB
// itself still guards its fields with its own RWMutex (spec's "actor
// model vs. shared-lock model" note: locks give intra-subsystem
// atomicity, the mailbox gives cross-actor ordering and backpressure),
// so this handle only needs to route calls, not re-implement locking.
type RibHandle struct {
	actor *Actor[*rib.RIB]
}

// NewRibHandle wraps r with a mailbox-serialized handle and returns the
// handle plus the actor whose Run method the fabric's supervisor must
// schedule.
func NewRibHandle(r *rib.RIB, mailboxCapacity int) (*RibHandle, *Actor[*rib.RIB]) {
	a := NewActor(r, mailboxCapacity)
	return &RibHandle{actor: a}, a
}

func (h *RibHandle) Create(ctx context.Context, name, class string, value rib.Value) (rib.Object, error) {
	type result struct {
		obj rib.Object
		err error
	}
	r, err := Call(ctx, h.actor, func(rb *rib.RIB) result {
		obj, err := rb.Create(name, class, value)
		return result{obj, err}
	})
	if err != nil {
		return rib.Object{}, err
	}
	return r.obj, r.err
}

func (h *RibHandle) Read(ctx context.Context, name string) (rib.Object, bool, error) {
	type result struct {
		obj rib.Object
		ok  bool
	}
	r, err := Call(ctx, h.actor, func(rb *rib.RIB) result {
		obj, ok := rb.Read(name)
		return result{obj, ok}
	})
	if err != nil {
		return rib.Object{}, false, err
	}
	return r.obj, r.ok, nil
}

func (h *RibHandle) Update(ctx context.Context, name string, value rib.Value) (rib.Object, error) {
	type result struct {
		obj rib.Object
		err error
	}
	r, err := Call(ctx, h.actor, func(rb *rib.RIB) result {
		obj, err := rb.Update(name, value)
		return result{obj, err}
	})
	if err != nil {
		return rib.Object{}, err
	}
	return r.obj, r.err
}

func (h *RibHandle) Delete(ctx context.Context, name string) error {
	return callErr(ctx, h.actor, func(rb *rib.RIB) error {
		return rb.Delete(name)
	})
}

func (h *RibHandle) ListByClass(ctx context.Context, class string) ([]string, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) []string {
		return rb.ListByClass(class)
	})
}

func (h *RibHandle) GetAllObjects(ctx context.Context) ([]rib.Object, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) []rib.Object {
		return rb.GetAllObjects()
	})
}

func (h *RibHandle) Count(ctx context.Context) (int, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) int {
		return rb.Count()
	})
}

func (h *RibHandle) GetChangesSince(ctx context.Context, version uint64) ([]rib.Change, error) {
	type result struct {
		changes []rib.Change
		err     error
	}
	r, err := Call(ctx, h.actor, func(rb *rib.RIB) result {
		changes, err := rb.GetChangesSince(version)
		return result{changes, err}
	})
	if err != nil {
		return nil, err
	}
	return r.changes, r.err
}

func (h *RibHandle) CurrentVersion(ctx context.Context) (uint64, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) uint64 {
		return rb.CurrentVersion()
	})
}

func (h *RibHandle) Serialize(ctx context.Context) ([]byte, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) []byte {
		return rb.Serialize()
	})
}

// DispatchCDAP routes a decoded management PDU's CDAP request against the
// RIB on the actor's goroutine, so a CDAP CRUD or sync request never
// races a concurrent call made through this same handle.
func (h *RibHandle) DispatchCDAP(ctx context.Context, req cdap.Message) (cdap.Message, error) {
	return Call(ctx, h.actor, func(rb *rib.RIB) cdap.Message {
		if req.ObjName == "rib_sync" && req.SyncRequest != nil {
			return cdap.DispatchSync(req, rb)
		}
		return cdap.Dispatch(req, rb)
	})
}
