package worker

import "github.com/grabbitd/grabbit/pkg/logger"

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// Task is the unit of work executed by a worker. It returns true
	// if work was performed, signalling the worker to immediately poll
	// for more. A false return sends the worker back to sleep until
	// the pool wakes it.
	Task func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

type taskWorker struct {
	label         string
	task          Task
	wakeupChan    WorkerWakeupChan
	currentStatus WorkerStatus
}

func NewWorker(label string, task Task) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop. After each pass that performed
// no work the worker sleeps on its wakeup channel; a closed channel (or
// a task error) terminates the worker.
func (worker *taskWorker) Start() {
	worker.currentStatus = WORKING
	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker '%v' has reported an error(%T): %v\n", worker.label, err, err.Error())
			break
		}

		if didWork {
			continue
		}

		if !worker.Sleep() {
			break
		}
	}

	worker.currentStatus = FINISHED
}

func (worker *taskWorker) Status() WorkerStatus {
	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Close closes the worker by closing the wakeup channel. Note that this
// does not interrupt a currently running task.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Sleep puts a worker to sleep until its wakeupChan is signalled from
// another goroutine. Returns false if the wakeup channel was closed,
// indicating the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		worker.currentStatus = FINISHED
	}

	return isAlive
}
