// Package webhook turns raw inbound webhook bodies into a canonical message.
//
// Providers deliver the same event in different layouts. Normalize tries
// them in a fixed order and returns a Classification:
//
//  1. {"messages":[...], "contacts":[...]}
//  2. {"message":{...}}
//  3. flat {"Body", "From", "ProfileName", "MessageSid"}
//  4. {"entry":[{"changes":[{"value":{...}}]}]}, where a value carrying
//     only "statuses" is a delivery receipt
//
// Anything else is KindUnrecognized. Non-text content, a missing sender or
// an empty body is KindUnsupported. Normalize has no side effects and does
// not log; callers decide what to record.
package webhook
