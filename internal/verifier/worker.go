// Package verifier resolves pending scans by calling the external face
// verifier. It consumes verification jobs from the queue so scan submission
// never blocks on the verifier's latency.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"presence/internal/attendance"
	"presence/internal/queue"
)

// MessageType tags verification jobs on the queue.
const MessageType = "scan-verify"

// FaceVerifier is the 1:1 scan-time verification collaborator.
type FaceVerifier interface {
	Verify(ctx context.Context, studentID, imageURL string) (float64, error)
}

// Job identifies one pending scan awaiting a verifier answer.
type Job struct {
	SessionID string `json:"session_id"`
	ScanID    string `json:"scan_id"`
	StudentID string `json:"student_id"`
	ImageURL  string `json:"image_url"`
}

// NewJobMessage encodes a job for the queue.
func NewJobMessage(job Job) (queue.Message, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return queue.Message{}, err
	}
	return queue.Message{Type: MessageType, Body: body}, nil
}

// Worker consumes verification jobs and settles the corresponding scans. A
// verifier error or timeout degrades the single scan to rejected; it never
// aborts the session and never leaves a scan pending.
type Worker struct {
	queue   queue.Queue
	face    FaceVerifier
	svc     *attendance.Service
	timeout time.Duration
	workers int
}

// New builds a worker pool of the given size.
func New(q queue.Queue, face FaceVerifier, svc *attendance.Service, timeout time.Duration, workers int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Worker{queue: q, face: face, svc: svc, timeout: timeout, workers: workers}
}

// Run blocks consuming jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				w.process(ctx, msg)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) process(ctx context.Context, msg queue.Message) {
	if msg.Type != MessageType {
		return
	}
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		log.Printf("verifier: drop malformed job: %v", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	confidence, err := w.face.Verify(callCtx, job.StudentID, job.ImageURL)
	cancel()

	var verr error
	if err != nil {
		verr = err
		if errors.Is(err, context.DeadlineExceeded) {
			verr = attendance.ErrVerifierTimeout
		}
		log.Printf("verifier: scan %s for %s failed: %v", job.ScanID, job.StudentID, err)
	}

	if _, changed, rerr := w.svc.ResolveScan(job.SessionID, job.ScanID, confidence, verr); rerr != nil {
		log.Printf("verifier: resolve scan %s: %v", job.ScanID, rerr)
	} else if !changed {
		log.Printf("verifier: scan %s already settled", job.ScanID)
	}
}
