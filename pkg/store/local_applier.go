package store

import (
	"time"

	"github.com/hashicorp/raft"
)

// LocalApplier applies commands directly to an FSM without Raft
// replication. It always reports itself as leader. Used to exercise
// the rest of the daemon's packages against a real FSM/Client without
// standing up a Raft cluster in every test.
type LocalApplier struct {
	fsm   *FSM
	index uint64
}

func NewLocalApplier(fsm *FSM) *LocalApplier {
	return &LocalApplier{fsm: fsm}
}

func (a *LocalApplier) Apply(cmd Command, timeout time.Duration) (interface{}, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}
	a.index++
	log := &raft.Log{Index: a.index, Data: data, AppendedAt: time.Now()}
	result := a.fsm.Apply(log)
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

func (a *LocalApplier) IsLeader() bool     { return true }
func (a *LocalApplier) LeaderAddr() string { return "local" }
