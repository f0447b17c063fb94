// Package rabbitmq provides the RabbitMQ connection used by the broker monitor.
//
// ConnectionManager dials the broker, hands out channels for browsing and
// republishing, and reconnects with exponential backoff when the connection
// drops. State listeners are told about connects, disconnects and retries.
package rabbitmq
