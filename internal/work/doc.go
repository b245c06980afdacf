// Package work is the background-work scheduler.
//
// Collaborators Register named handlers and Dispatch requests. Every
// (request, handler) pair runs its own pipeline:
//
//	serial slot -> execution budget -> min delay -> rate limits
//	  -> conditions -> track -> handler -> outcome
//
// Each wait in the pipeline is cancelled by budget expiry or shutdown. A
// retry outcome re-enters the pipeline as a new attempt after a delay.
package work
