package worker

import "time"

// DispatcherConfig sizes the worker pool and its job queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// Dispatcher feeds queued turn jobs to pool workers in arrival order. The
// queue is bounded; TrySubmit reports false instead of blocking when it is
// full, so ingestion latency never depends on how many turns are in flight.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
}

func NewDispatcher(cfg DispatcherConfig, pipeline *Pipeline) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		pool:     newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, pipeline),
		jobQueue: make(chan Job, cfg.QueueSize),
	}

	// Warm up the minimum worker set.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for job := range d.jobQueue {
		workerChan := d.pool.acquire()
		workerChan <- job
	}
}

// TrySubmit enqueues a job without blocking. False means the queue is full
// and the job was dropped.
func (d *Dispatcher) TrySubmit(job Job) bool {
	select {
	case d.jobQueue <- job:
		return true
	default:
		return false
	}
}
