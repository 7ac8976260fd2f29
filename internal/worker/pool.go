package worker

import (
	"sync"
	"time"
)

type workerSlot struct {
	ch       chan Job
	lastUsed time.Time
	idle     bool // currently sitting in the idle list
	retired  bool // marked for removal, must not be reused
}

// jobChannelPool is an elastic set of workers. It grows on demand up to max,
// and a background sweep retires workers that sat idle past expiry, never
// shrinking below min.
type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idleList []*workerSlot
	slots    map[chan Job]*workerSlot
	min      int
	max      int
	running  int
	expiry   time.Duration
	pipeline *Pipeline
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, pipeline *Pipeline) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		slots:    make(map[chan Job]*workerSlot),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		pipeline: pipeline,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweepIdle()
	return p
}

func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	w := NewWorker(p, p.pipeline)
	p.slots[w.jobChannel] = &workerSlot{ch: w.jobChannel}
	p.running++
	p.mu.Unlock()
	w.Start()
}

// acquire returns an idle worker's channel, growing the pool if allowed.
// Blocks while the pool is saturated.
func (p *jobChannelPool) acquire() chan Job {
	for {
		p.mu.Lock()
		if slot := p.takeIdleLocked(); slot != nil {
			p.mu.Unlock()
			return slot.ch
		}
		if p.running < p.max {
			// spawn inline; spawnWorker would deadlock on p.mu
			w := NewWorker(p, p.pipeline)
			p.slots[w.jobChannel] = &workerSlot{ch: w.jobChannel}
			p.running++
			p.mu.Unlock()
			w.Start()
			continue
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// Release puts a worker back on the idle list once its job is done.
func (p *jobChannelPool) Release(ch chan Job) {
	p.mu.Lock()
	slot, ok := p.slots[ch]
	if !ok || slot.retired || slot.idle {
		p.mu.Unlock()
		return
	}
	slot.idle = true
	slot.lastUsed = time.Now()
	p.idleList = append(p.idleList, slot)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if slot, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		slot.retired = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) takeIdleLocked() *workerSlot {
	for len(p.idleList) > 0 {
		slot := p.idleList[0]
		p.idleList = p.idleList[1:]
		if slot.retired {
			continue
		}
		slot.idle = false
		return slot
	}
	return nil
}

func (p *jobChannelPool) sweepIdle() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		<-ticker.C
		p.stopExpired()
	}
}

// stopExpired sends a stop job to every worker idle past expiry, keeping at
// least min workers alive.
func (p *jobChannelPool) stopExpired() {
	var stale []*workerSlot
	now := time.Now()

	p.mu.Lock()
	if len(p.idleList) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	kept := p.idleList[:0]
	for _, slot := range p.idleList {
		if slot.retired {
			continue
		}
		if now.Sub(slot.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			slot.retired = true
			slot.idle = false
			stale = append(stale, slot)
			continue
		}
		kept = append(kept, slot)
	}
	p.idleList = kept
	p.mu.Unlock()

	for _, slot := range stale {
		slot.ch <- Job{Type: JobStop}
	}
}
