// Package logx configures postwatch's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level/output swaps at runtime (config reload) without re-plumbing loggers
package logx
