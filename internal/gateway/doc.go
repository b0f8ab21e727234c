// Package gateway runs the switchboard HTTP server.
//
// # Overview
//
// The Gateway owns every long-lived component: the storage backend
// (durable SQL behind an in-memory fallback), the conversation store and
// service, the change broadcaster, the optional AMQP publisher, the
// webhook dedupe cache and the Prometheus registry.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run blocks until ctx is canceled, then shuts down within five seconds:
// the HTTP server stops, in-flight webhook workers drain, and the store
// and broker connections close.
//
// # Webhook
//
//	GET  /webhook/whatsapp         subscription verification (hub.challenge)
//	POST /webhook/whatsapp         inbound delivery, JSON or form encoded
//	POST /                         flat-form provider callback
//	GET  /webhook/whatsapp/status  liveness of the webhook mount
//
// Deliveries are always answered with 200 EVENT_RECEIVED before any
// processing happens. Each delivery is then classified, deduplicated by
// provider message id and handed to conversation.Service on a background
// worker bounded by webhook.processing_timeout.
//
// # Operator API
//
//	GET    /api/stats
//	GET    /api/conversations[?active=true]
//	GET    /api/conversations/{phone}[?limit=N]
//	POST   /api/conversations/{phone}/manual
//	POST   /api/conversations/{phone}/auto
//	POST   /api/conversations/{phone}/messages
//	DELETE /api/conversations/{phone}
//	GET    /api/search?q=
//	GET    /api/events   (SSE)
//	GET    /api/ws       (WebSocket)
//
// /api/conversation/{phone} and /api/send/{phone} remain as aliases.
// When auth.jwt_secret is set every /api route requires a bearer token;
// the streaming routes also accept ?token=.
//
// # Health
//
//	GET /health        liveness and configured integrations
//	GET /health/ready  200 when the backend answers a ping, else 503
//	GET /metrics       Prometheus, when metrics.enabled
package gateway
