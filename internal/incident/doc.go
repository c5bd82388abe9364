// Package incident provides the business boundary for incident intake.
// It defines the domain models (Incident, VoiceCall), the Store contracts,
// the lifecycle state machine, and the Service that orchestrates dedup,
// classification and the best-effort ticket/chat/escalation fan-out.
package incident
