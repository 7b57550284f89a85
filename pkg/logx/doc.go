// Package logx configures beacon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional stderr diagnostic echo (min-level + rate limiting)
//
// logx is also the SDK's local diagnostic channel: when no delivery
// capability is configured, or a delivery fails, the record ends up here.
package logx
