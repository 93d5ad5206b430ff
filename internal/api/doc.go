// Package api exposes the REST surface for submitting tasks, polling task
// status, running batched submissions, and reading operational stats.
package api
