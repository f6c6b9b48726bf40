package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"geotask/pkg/coordination"
)

const electionPrefix = "/geotask/elections/"

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
}

// NewEtcdCoordinator connects to etcd and opens a session whose lease lives
// ttl seconds past the last heartbeat.
func NewEtcdCoordinator(endpoints []string, ttl int) (*EtcdCoordinator, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The client dials lazily; fail fast rather than block in NewSession.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	// The session keeps its lease alive via heartbeats
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
	}, nil
}

func (c *EtcdCoordinator) Done() <-chan struct{} {
	return c.session.Done()
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	return &EtcdElection{election: concurrency.NewElection(c.session, electionPrefix+name)}
}

// EtcdElection wraps the etcd concurrency.Election struct
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", coordination.ErrNoLeader
		}
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

var _ coordination.Coordinator = (*EtcdCoordinator)(nil)
