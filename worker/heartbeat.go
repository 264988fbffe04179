package worker

import (
	"context"
	"sync"
	"time"

	"github.com/choirhq/choir/lease"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// heartbeat renews the lease concurrently with execution. It is the
// primary concurrency hazard of the design: renewal failure must abort
// the in-flight work, so the heartbeat owns the cancel half of the
// execution context.
type heartbeat struct {
	leases     *lease.Manager
	workflowId string
	state      string
	token      string
	ttlSeconds int
	cancel     context.CancelFunc
	lost       bool
	tick       *util.TickWorker
	wg         sync.WaitGroup
}

func startHeartbeat(leases *lease.Manager, workflowId string, state string, token string, ttlSeconds int, interval time.Duration, cancel context.CancelFunc) *heartbeat {
	hb := &heartbeat{
		leases:     leases,
		workflowId: workflowId,
		state:      state,
		token:      token,
		ttlSeconds: ttlSeconds,
		cancel:     cancel,
	}
	hb.tick = util.NewTickWorker("lease-heartbeat-"+state, interval, make(chan struct{}), hb.beat, &hb.wg)
	hb.tick.Start()
	return hb
}

// beat runs on the tick goroutine only, so lost needs no lock.
func (hb *heartbeat) beat() {
	if hb.lost {
		return
	}
	res, err := hb.leases.Renew(hb.workflowId, hb.state, hb.token, hb.ttlSeconds, true, true)
	if err != nil {
		logger.Error("lease renewal errored", zap.String("workflowId", hb.workflowId), zap.String("state", hb.state), zap.Error(err))
		hb.cancel()
		hb.lost = true
		return
	}
	if !res.Renewed {
		logger.Warn("lease lost, aborting execution", zap.String("workflowId", hb.workflowId), zap.String("state", hb.state), zap.String("reason", string(res.Reason)))
		hb.cancel()
		hb.lost = true
	}
}

// stop ends renewal after execution finished and waits for the ticker
// goroutine so no renew can land after release.
func (hb *heartbeat) stop() {
	hb.tick.Stop()
	hb.wg.Wait()
}
