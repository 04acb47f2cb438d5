package services

import (
	"context"
	"log"
	"sync"
	"time"

	"mahoyaAPI/internal/notification"
)

type PushNotificationProvider interface {
	SendPush(ctx context.Context, tokens []notification.DeviceToken, msg notification.Message) error
}

// NotificationDispatcher fans push jobs out to a fixed pool of workers.
type NotificationDispatcher struct {
	pushProvider PushNotificationProvider
	workers      int
	jobQueue     chan *DispatchJob
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	// mu orders Dispatch against Stop: a job is either queued before the
	// workers start draining or rejected.
	mu      sync.RWMutex
	stopped bool
}

type DispatchJob struct {
	UserID  string
	Tokens  []notification.DeviceToken
	Message notification.Message
}

func NewNotificationDispatcher(provider PushNotificationProvider, workers int) *NotificationDispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &NotificationDispatcher{
		pushProvider: provider,
		workers:      workers,
		jobQueue:     make(chan *DispatchJob, 100),
		stopChan:     make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func (d *NotificationDispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			d.processJob(job)
		case <-d.stopChan:
			// Drain what was already queued before exiting.
			for {
				select {
				case job := <-d.jobQueue:
					d.processJob(job)
				default:
					return
				}
			}
		}
	}
}

func (d *NotificationDispatcher) processJob(job *DispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.pushProvider == nil || len(job.Tokens) == 0 {
		log.Printf("Skipping push for %s: Tokens=%d, ProviderSet=%v", job.UserID, len(job.Tokens), d.pushProvider != nil)
		return
	}
	if err := d.pushProvider.SendPush(ctx, job.Tokens, job.Message); err != nil {
		log.Printf("Push failed for user %s: %v", job.UserID, err)
	}
}

// Dispatch queues job, giving up after a short wait when the queue is full.
// It returns false once Stop has been called.
func (d *NotificationDispatcher) Dispatch(job *DispatchJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		log.Printf("Dropping push for %s: dispatcher stopped", job.UserID)
		return false
	}

	select {
	case d.jobQueue <- job:
		return true
	case <-time.After(2 * time.Second):
		log.Printf("Failed to queue push for %s: queue full", job.UserID)
		return false
	}
}

// Stop processes the remaining queue and waits for the workers to exit.
func (d *NotificationDispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.stopChan)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
