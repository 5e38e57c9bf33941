// Package publisher turns topic lifecycle events into message bus traffic for
// the topic tracking channels: "/new" for freshly created visible topics and
// "/unread/{user_id}" for users who follow a topic that got a reply.
//
// Publishing is decoupled from the caller's write path through the queue
// package. TopicCreated and PostCreated only enqueue a task; a queue worker
// running the handlers from Handlers() loads the current topic state and
// publishes. A bus or Redis outage therefore delays the broadcast instead of
// failing the request that created the content, and the queue's retry and
// dead letter machinery owns the failure handling.
package publisher
