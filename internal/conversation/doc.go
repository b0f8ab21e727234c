// Package conversation owns per-contact conversation state and decides who
// answers each inbound message.
//
// # Store
//
// Store wraps a store.Backend. Every method takes the raw phone identifier
// a provider or operator supplied and canonicalizes it first, so the same
// contact always maps to one record:
//
//	st := conversation.NewStore(backend, broadcaster, logger)
//	conv, _ := st.GetConversation(ctx, "whatsapp:+5491100000000")
//
// GetConversation never persists. Records are created lazily by the first
// mutating call (UpdateConversation, SetManualMode, SetAutoMode,
// AddMessage).
//
// # Modes
//
// A conversation is either AUTO (the AI responder answers) or MANUAL (a
// human operator answers). The transitions are:
//
//   - AUTO to MANUAL: SetManualMode, or an escalation keyword in an inbound message
//   - MANUAL to AUTO: SetAutoMode only
//
// Both are idempotent. Repeating SetManualMode reassigns the operator and
// restarts the manual clock without touching history.
//
// # Routing
//
// ModeController.Route records the inbound message and then:
//
//  1. AUTO with a keyword: escalate, reply with the escalation text
//  2. MANUAL: queue, sending a courtesy notice once per manual session
//  3. AUTO: ask the Responder using the preceding turns as context
//
// Service wraps the controller, delivers replies through a Transport and
// sends an apology when the responder fails. Replies are always stored
// before delivery.
//
// # Change Events
//
// Mode switches, appends and deletions publish an Event to the Notifier.
// Broadcaster fans events out to live subscribers in memory; Notifiers
// combines it with other sinks such as the AMQP publisher.
package conversation
