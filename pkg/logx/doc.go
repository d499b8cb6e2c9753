// Package logx configures feedspy's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional admin chat sink (min-level + rate limiting)
//
// CronLogger bridges a Logger into robfig/cron so scheduler internals log
// through the same pipeline.
package logx
