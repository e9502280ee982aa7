package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"batchops/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// SchedulerElectionKey is the etcd key prefix campaigned on by every
	// daemon instance's scheduler tick loop. Only the campaign winner
	// promotes due schedules and enqueues their runs; the rest sit idle
	// until the winner's session expires.
	SchedulerElectionKey = "/batchops/scheduler/leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates the single-scheduler safety guard:
// exactly one daemon instance at a time becomes the active scheduler, so
// cron dispatch happens once per due job even when several daemons are
// running for worker-pool capacity.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "scheduler-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	var err error
	// A new session per campaign: if this node dies, its lease expires and
	// the next campaigner takes over the scheduler role.
	m.session, err = concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, err
	}

	m.election = concurrency.NewElection(m.session, SchedulerElectionKey)

	if err := m.election.Campaign(ctx, m.nodeID); err != nil {
		return nil, err
	}

	m.logger.Info("won scheduler election", "node_id", m.nodeID)
	m.mutex.Lock()
	m.isLeader = true
	m.mutex.Unlock()

	return m.session.Done(), nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	m.isLeader = false
	m.mutex.Unlock()

	if m.election != nil {
		m.logger.Info("resigning scheduler role", "node_id", m.nodeID)
		return m.election.Resign(ctx)
	}
	return nil
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isLeader
}
