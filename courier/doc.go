// Package courier runs distributed transactions as routing slips: an
// itinerary of activities executed front to back, with a compensation log
// that unwinds completed work back to front when a later activity faults.
//
// The slip itself is the saga state. It travels inside the message from host
// to host, every transition is a pure function from one slip value to the
// next, and no coordinator service is involved. A slip ends in exactly one of
// three terminal events: completed, faulted (execution failed and every
// compensation succeeded) or compensation failed.
package courier
