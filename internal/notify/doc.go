// Package notify delivers deviation and incident notifications to external
// sinks.
//
// Notifications are never sent inline with the write that caused them. The
// store commits them to an outbox in the same transaction; the Dispatcher
// drains the outbox in commit order, retrying each failed delivery with
// exponential backoff before marking it dropped.
package notify
