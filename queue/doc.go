// Package queue is a small background task queue decoupling best-effort work
// from the request path. The publisher package uses it so that a message bus
// outage can never roll back the database write that triggered a broadcast:
// the write path only enqueues, and a worker publishes with retries.
//
// Tasks are claimed with a lock lease, retried with linear backoff on failure
// and moved to a dead letter list once their retries are exhausted. A task
// whose worker dies is reclaimed after its lease expires.
//
// Handlers are typed:
//
//	handler := queue.NewTaskHandler(func(ctx context.Context, p ReportPayload) error {
//		return sendReport(ctx, p)
//	})
//	worker.RegisterHandler(handler)
//
// The task name defaults to the payload's qualified struct name, so an
// Enqueue of ReportPayload finds the handler above without extra wiring.
package queue
