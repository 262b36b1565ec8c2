// Package scheduler turns cron and interval schedules into tasks on the engine.
//
// It only triggers. Dispatch ticks and the durable job pump are registered
// here; what they do runs inside engine.Service.
package scheduler
