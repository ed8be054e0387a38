// Package logx configures mailflush's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Recipient addresses masked by default (see Addr)
package logx
