// Package events fans committed vault events out to downstream consumers.
// Events are converted to a wire message with decimal string amounts and a
// stable identifier, then handed to one or more publishers: an in-process
// ring buffer that the HTTP API reads from, a Redis channel and a RabbitMQ
// topic exchange.
package events
