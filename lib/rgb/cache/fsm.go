package cache

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Entry states.
const (
	stateVacant   = "vacant"
	stateLoading  = "loading"
	stateIdle     = "idle"
	stateLeased   = "leased"
	stateFlushing = "flushing"
	statePoisoned = "poisoned"
	stateEvicted  = "evicted"
)

// Entry events.
const (
	evLoad       = "load"
	evLoaded     = "loaded"
	evLoadFailed = "load_failed"
	evLease      = "lease"
	evRelease    = "release"
	evFlush      = "flush"
	evFlushed    = "flushed"
	evPoison     = "poison"
	evEvict      = "evict"
	evReclaim    = "reclaim"
	evRepoison   = "repoison"
)

// newEntryFSM returns the state machine of a cache entry:
//
//	vacant -> loading -> leased <-> idle
//	leased|idle -> flushing -> idle | poisoned
//	idle -> evicted, poisoned -> loading (recover) -> leased | poisoned
func newEntryFSM(id string) *fsm.FSM {
	return fsm.NewFSM(
		stateVacant,
		fsm.Events{
			{Name: evLoad, Src: []string{stateVacant}, Dst: stateLoading},
			{Name: evLoaded, Src: []string{stateLoading}, Dst: stateLeased},
			{Name: evLoadFailed, Src: []string{stateLoading}, Dst: stateVacant},
			{Name: evLease, Src: []string{stateIdle}, Dst: stateLeased},
			{Name: evRelease, Src: []string{stateLeased}, Dst: stateIdle},
			{Name: evFlush, Src: []string{stateLeased, stateIdle}, Dst: stateFlushing},
			{Name: evFlushed, Src: []string{stateFlushing}, Dst: stateIdle},
			{Name: evPoison, Src: []string{stateLeased, stateFlushing}, Dst: statePoisoned},
			{Name: evEvict, Src: []string{stateIdle}, Dst: stateEvicted},
			{Name: evReclaim, Src: []string{statePoisoned}, Dst: stateLoading},
			{Name: evRepoison, Src: []string{stateLoading}, Dst: statePoisoned},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Tracef("runtime %s: %s -> %s", id, e.Src, e.Dst)
			},
		},
	)
}

// fire moves the entry through event ev. The cache only fires events valid in the current state, so a failure is a
// bug in the cache.
func (e *entry[R]) fire(ev string) {
	if err := e.fsm.Event(context.Background(), ev); err != nil {
		panic(fmt.Sprintf("cache: runtime %s: event %s in state %s: %v", e.id, ev, e.fsm.Current(), err))
	}
}

func (e *entry[R]) state() string { return e.fsm.Current() }
