package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned for writes proposed on a follower.
var ErrNotLeader = errors.New("replica: not the raft leader")

const membershipTimeout = 10 * time.Second

// Config defines one raft replica.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
}

func (c Config) withDefaults() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	switch {
	case c.NodeID == "":
		return c, errors.New("node_id is required")
	case c.RaftAddr == "":
		return c, errors.New("raft_addr is required")
	case c.DataDir == "":
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c, nil
}

// Node replicates negotiation commands. Reads go straight to the local
// Machine; writes must be proposed on the leader.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	machine   *Machine
	logger    zerolog.Logger
}

// NewNode opens the log, stable and snapshot stores under DataDir and joins
// the local machine to raft. With Bootstrap set, an empty data dir starts a
// single voter cluster.
func NewNode(cfg Config, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "replica").Str("node", cfg.NodeID).Logger()
	raftOut := logger.With().Str("source", "raft").Logger()

	logs, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	stable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, raftOut)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, raftOut)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.RaftAddr, err)
	}

	machine := NewMachine()
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	r, err := raft.NewRaft(raftCfg, &machineFSM{machine: machine}, logs, stable, snapshots, transport)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(transport.LocalAddr()), // the bound port when RaftAddr ends in :0
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		machine:      machine,
		logger:       logger,
	}
	if !cfg.Bootstrap {
		return n, nil
	}
	existing, err := raft.HasExistingState(logs, stable, snapshots)
	if err != nil {
		return nil, err
	}
	if !existing {
		if err := n.bootstrap(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) bootstrap() error {
	solo := raft.Configuration{Servers: []raft.Server{{
		ID:      raft.ServerID(n.id),
		Address: raft.ServerAddress(n.raftAddr),
	}}}
	if err := n.raft.BootstrapCluster(solo).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap: %w", err)
	}
	n.logger.Info().Str("raft_addr", n.raftAddr).Msg("bootstrapped cluster")
	return nil
}

// Apply proposes cmd and waits until the machine has applied it. A rejection
// from the machine, such as negotiation.ErrLeaseHeld, is returned as is.
func (n *Node) Apply(ctx context.Context, cmd Command) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	timeout, ok := within(ctx, n.applyTimeout)
	if !ok {
		return context.DeadlineExceeded
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return fmt.Errorf("%w (leader %s)", ErrNotLeader, n.LeaderAddr())
		}
		return err
	}
	if rejected, ok := future.Response().(error); ok {
		return rejected
	}
	return nil
}

// AddVoter makes nodeID a voter at raftAddr. A server already registered
// under the same id or address is replaced.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	id := raft.ServerID(strings.TrimSpace(nodeID))
	addr := raft.ServerAddress(strings.TrimSpace(raftAddr))
	if id == "" || addr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	timeout, _ := within(ctx, membershipTimeout)

	current := n.raft.GetConfiguration()
	if err := current.Error(); err != nil {
		return err
	}
	for _, srv := range current.Configuration().Servers {
		switch {
		case srv.ID == id && srv.Address == addr:
			return nil
		case srv.ID == id, srv.Address == addr:
			if err := n.raft.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return fmt.Errorf("drop stale server %s: %w", srv.ID, err)
			}
		}
	}
	if err := n.raft.AddVoter(id, addr, 0, timeout).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("voter", string(id)).Str("raft_addr", string(addr)).Msg("voter added")
	return nil
}

func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	id := raft.ServerID(strings.TrimSpace(nodeID))
	if id == "" {
		return errors.New("node_id is required")
	}
	timeout, _ := within(ctx, membershipTimeout)
	return n.raft.RemoveServer(id, 0, timeout).Error()
}

// within caps limit by ctx's deadline. It reports false once the deadline
// has passed.
func within(ctx context.Context, limit time.Duration) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit, true
	}
	left := time.Until(deadline)
	if left <= 0 {
		return limit, false
	}
	return min(left, limit), true
}

// WaitForLeader polls until the cluster has a leader and returns its address.
func (n *Node) WaitForLeader(ctx context.Context, every time.Duration) (string, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if leader := n.LeaderAddr(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) Machine() *Machine  { return n.machine }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }
func (n *Node) State() string      { return n.raft.State().String() }

// Stats merges raft's counters with the size of the replicated data.
func (n *Node) Stats() map[string]string {
	out := maps.Clone(n.raft.Stats())
	data := n.machine.Stats()
	out["negotiation_states"] = fmt.Sprint(data.States)
	out["negotiation_statuses"] = fmt.Sprint(data.Statuses)
	out["negotiation_leases"] = fmt.Sprint(data.Leases)
	return out
}

// Shutdown stops raft, then closes the transport.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.transport.Close(); cerr != nil {
		n.logger.Warn().Err(cerr).Msg("close raft transport")
	}
	return err
}
