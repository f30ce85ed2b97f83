// Package log captures protocol events of the sync client.
//
// It is separate from operational logging (slog): protocol capture is a
// machine-readable trace of every HTTP exchange, decoded message and state
// change, meant for debugging sync problems after the fact.
//
// # Basic Usage
//
//	// Development: protocol events on the console.
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: binary capture.
//	fl, _ := log.NewFileLogger("/var/log/croquet/client.clog")
//	cfg.ProtocolLogger = fl
//
//	// Both.
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Layers
//
//   - Transport: HTTP exchanges with raw batch bodies (ExchangeEvent)
//   - Wire: decoded requests, responses and pushes (MessageEvent)
//   - Sync: subscription and presence lifecycle (StateChangeEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer keys,
// conventionally named *.clog. The croquet-log command views, filters and
// summarizes them.
package log
