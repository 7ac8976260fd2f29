package worker

// JobType discriminates what a worker should do with a received job.
type JobType string

const (
	JobTurn JobType = "turn"
	JobStop JobType = "stop"
)

type turnTask struct {
	entryID int64
	text    string
}

type Job struct {
	Type JobType
	Turn *turnTask
}

type Worker struct {
	pipeline   *Pipeline
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, pipeline *Pipeline) *Worker {
	return &Worker{
		pipeline:   pipeline,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case JobTurn:
				w.pipeline.process(job.Turn)
			case JobStop:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
