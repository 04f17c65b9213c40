// Package cron turns task definitions with a cron expression into queued
// runs. It is a thin layer over robfig/cron: the schedule fires, the
// trigger checks that the previous cron run of the task has settled, and
// enqueues a fresh run with origin "cron". Execution stays with the
// worker pool like any other run.
package cron
