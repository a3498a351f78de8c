// Package monitor defines the domain types, collaborator interfaces, and error
// taxonomy shared by the pickup-list monitor.
//
// A check walks one source page, resolves the pickup-list document it links to,
// downloads and searches that document for the monitored identifier, records the
// outcome, and notifies when the identifier is present. The orchestration lives in
// package pipeline; this package only describes the shapes that flow through it.
package monitor
