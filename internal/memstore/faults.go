// Package memstore provides in-memory request and document stores for local runs and tests.
// Every operation can be made to fail, either before or after its write is applied.
package memstore

import "sync"

// Op names a store operation for failure injection.
type Op string

const (
	OpInsertRequest      Op = "insert_request"
	OpGetRequest         Op = "get_request"
	OpSetStatus          Op = "set_status"
	OpListRequests       Op = "list_requests"
	OpGetBalance         Op = "get_balance"
	OpSetBalance         Op = "set_balance"
	OpGetEntry           Op = "get_entry"
	OpUpsertEntry        Op = "upsert_entry"
	OpListEntries        Op = "list_entries"
	OpCreateNotification Op = "create_notification"
	OpHasNotification    Op = "has_notification"
	OpGetPushToken       Op = "get_push_token"
)

// Always makes an injected failure persist until Heal. Any times <= 0 behaves the same.
const Always = -1

type fault struct {
	err        error
	remaining  int
	afterApply bool
}

type faults struct {
	mu    sync.Mutex
	byOp  map[Op]*fault
	calls map[Op]int
}

// Fail makes the next times calls of op return err without applying anything.
func (f *faults) Fail(op Op, err error, times int) {
	f.set(op, &fault{err: err, remaining: times})
}

// FailAfterApply makes the next times calls of op apply their write and then return err,
// as if the acknowledgement was lost.
func (f *faults) FailAfterApply(op Op, err error, times int) {
	f.set(op, &fault{err: err, remaining: times, afterApply: true})
}

// Heal removes any failure injected for op.
func (f *faults) Heal(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byOp, op)
}

// Calls reports how often op was invoked.
func (f *faults) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faults) set(op Op, ft *fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byOp == nil {
		f.byOp = make(map[Op]*fault)
	}
	f.byOp[op] = ft
}

// take records a call of op and returns the failure to apply to it, if any.
func (f *faults) take(op Op) (err error, afterApply bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[Op]int)
	}
	f.calls[op]++
	ft, ok := f.byOp[op]
	if !ok {
		return nil, false
	}
	if ft.remaining > 0 {
		ft.remaining--
		if ft.remaining == 0 {
			delete(f.byOp, op)
		}
	}
	return ft.err, ft.afterApply
}

// before returns the error of a failure that must be raised before the operation runs.
func (f *faults) before(op Op) (err error, after error) {
	err, afterApply := f.take(op)
	if afterApply {
		return nil, err
	}
	return err, nil
}
