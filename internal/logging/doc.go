// Package logging provides structured logging for turnd.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - conversation, turn and trace correlation pulled from the context
//   - redaction of credentials and conversation text
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithConversationID(ctx, "c-42")
//	ctx = logging.WithTurnID(ctx, turnID)
//	logger.Info(ctx, "turn completed", zap.Int("phase", 2))
//
// produces
//
//	{"level":"info","msg":"turn completed","conversation.id":"c-42","turn.id":"...","phase":2}
//
// Tests use NewTestLogger, which records every entry for assertions.
package logging
