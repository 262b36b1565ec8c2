// Package storage is the sqlite persistence layer: campaign content,
// recipients, the delivery gate and log, and the durable job queue.
//
// All tables live in one database so a delivery record, its log entry and
// the next chained job commit together.
package storage
