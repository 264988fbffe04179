package worker

import (
	"fmt"
	"sync"

	"github.com/choirhq/choir/dispatch"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// Pool fans envelopes from the channel transport out over a fixed set of
// consumers. Concurrency across tasks is safe because every correctness
// property lives in the store, not in here.
type Pool struct {
	size      int
	transport *dispatch.ChannelTransport
	worker    *ChoreoWorker
	consumers []*util.Worker
	stop      chan struct{}
	wg        *sync.WaitGroup
}

func NewPool(size int, transport *dispatch.ChannelTransport, worker *ChoreoWorker, wg *sync.WaitGroup) *Pool {
	return &Pool{
		size:      size,
		transport: transport,
		worker:    worker,
		stop:      make(chan struct{}),
		wg:        wg,
	}
}

func (p *Pool) Start() {
	handler := func(task util.Task) error {
		envelope, ok := task.(model.NotificationEnvelope)
		if !ok {
			return fmt.Errorf("unexpected task type %T", task)
		}
		return p.worker.Handle(envelope)
	}
	p.consumers = make([]*util.Worker, p.size)
	for i := 0; i < p.size; i++ {
		p.consumers[i] = util.NewWorker(fmt.Sprintf("choreo-%d", i), p.wg, handler, 1)
		p.consumers[i].Start()
	}

	p.wg.Add(1)
	go p.route()
	logger.Info("choreography worker pool started", zap.Int("size", p.size))
}

// route feeds envelopes round robin into the consumers and shuts them
// down when the pool stops.
func (p *Pool) route() {
	defer p.wg.Done()
	next := 0
	for {
		select {
		case envelope := <-p.transport.Receive():
			p.consumers[next].Sender() <- envelope
			next = (next + 1) % p.size
		case <-p.stop:
			for _, consumer := range p.consumers {
				consumer.Stop()
			}
			logger.Info("choreography worker pool stopped")
			return
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}
