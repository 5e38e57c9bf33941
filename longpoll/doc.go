// Package longpoll is the HTTP face of the message bus. It serves three
// transports over the same JSON frames:
//
//   - POST /{clientID}/poll — long poll, the lowest common denominator. The
//     body maps channel names to the last applied sequence; the call is held
//     until something arrives or the server timeout fires. ?dlp=t disables
//     the hold for proxies that buffer responses.
//   - GET /{clientID}/stream — server-sent events with heartbeat comments.
//   - GET /{clientID}/ws — websocket; the client sends subscription maps,
//     the server streams frames.
//
// Frames are `{channel, message_id, data}`. Bookkeeping the client must act
// on (position advances it never saw, expired backlogs) arrives as a frame
// on the reserved "/__status" channel whose data maps channels to the
// sequence to resume from.
//
// Authentication stays with the embedding application: a SubscriberResolver
// maps the request to a user id, and recipient-filtered messages are only
// delivered to that user.
package longpoll
