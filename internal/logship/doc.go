// Package logship tails the deployment's log files and forwards their lines
// to CloudWatch Logs. Each source file maps to a per-environment log group
// and every agent writes to a stream named after its host, so one group fans
// out across instances.
package logship
