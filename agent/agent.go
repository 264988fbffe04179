package agent

import (
	"sync"
	"time"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/dispatch"
	"github.com/choirhq/choir/lease"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/metadata"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/persistence/inmem"
	rd "github.com/choirhq/choir/persistence/redis"
	"github.com/choirhq/choir/registry"
	"github.com/choirhq/choir/rest"
	"github.com/choirhq/choir/service"
	"github.com/choirhq/choir/validator"
	"github.com/choirhq/choir/worker"
	"go.uber.org/zap"
)

// Agent wires the engine together for a single node deployment: document
// store, control plane, lease manager, dispatcher with the in-process
// transport, embedded worker pool, and the planner REST surface.
type Agent struct {
	Config       config.Config
	store        persistence.DocumentStore
	cpService    *controlplane.Service
	leaseManager *lease.Manager
	dispatcher   *dispatch.Dispatcher
	transport    *dispatch.ChannelTransport
	metaService  *metadata.Service
	registry     *registry.Service
	execService  *service.WorkflowExecutionService
	pool         *worker.Pool
	executors    *worker.Executors
	httpServer   *rest.Server
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config:    conf,
		executors: worker.NewExecutors(),
	}
	setup := []func() error{
		a.setupStore,
		a.setupControlPlane,
		a.setupMetadata,
		a.setupDispatch,
		a.setupExecutionService,
		a.setupWorkerPool,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStore() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.store = rd.NewRedisDocumentStore(rd.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	default:
		a.store = inmem.NewInMemDocumentStore()
	}
	return nil
}

func (a *Agent) setupControlPlane() error {
	a.cpService = controlplane.NewService(a.store, a.Config.JoinPolicy)
	a.leaseManager = lease.NewManager(a.cpService, a.Config.SetRunningOnAcquire)
	a.registry = registry.NewService(a.cpService)
	return nil
}

func (a *Agent) setupMetadata() error {
	resolver := validator.NewFileResolver(a.Config.TemplateDir, a.Config.CapabilityDir)
	a.metaService = metadata.NewService(metadata.NewStorage(a.store), validator.NewValidator(resolver))
	return nil
}

func (a *Agent) setupDispatch() error {
	a.transport = dispatch.NewChannelTransport(a.Config.NotificationCapacity)
	a.dispatcher = dispatch.NewDispatcher(a.cpService, a.transport)
	return nil
}

func (a *Agent) setupExecutionService() error {
	a.execService = service.NewWorkflowExecutionService(a.metaService, a.cpService, a.registry, a.dispatcher)
	return nil
}

func (a *Agent) setupWorkerPool() error {
	conf := worker.Config{
		LeaseTTLSeconds:   a.Config.LeaseTTLSeconds,
		HeartbeatInterval: time.Duration(a.Config.HeartbeatSeconds) * time.Second,
		Capacity:          a.Config.WorkerCapacity,
	}
	cw := worker.NewChoreoWorker(conf, a.cpService, a.leaseManager, a.dispatcher, a.metaService, a.registry, a.executors, nil)
	a.pool = worker.NewPool(a.Config.WorkerCapacity, a.transport, cw, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.execService)
	return err
}

// Executors exposes the registry so embedders can bind real executors to
// agent template refs before Start.
func (a *Agent) Executors() *worker.Executors {
	return a.executors
}

func (a *Agent) Start() error {
	a.pool.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.pool.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	a.wg.Wait()
	return nil
}
