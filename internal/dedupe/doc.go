// Package dedupe rejects repeated message ids within a time window so a
// client retrying a submission does not dispatch the same work twice.
package dedupe
