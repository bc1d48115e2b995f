package replica

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

// machineFSM feeds committed raft entries to a Machine. Apply returns the
// machine's rejection, which Node.Apply hands back to the proposer.
type machineFSM struct {
	machine *Machine
}

func (f *machineFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := f.machine.Apply(cmd); err != nil {
		return err
	}
	return nil
}

func (f *machineFSM) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return machineSnapshot(data), nil
}

func (f *machineFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

// machineSnapshot is a marshalled Machine.
type machineSnapshot []byte

func (s machineSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (machineSnapshot) Release() {}
