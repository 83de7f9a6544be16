package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter writes events to a zap logger. Events carrying an "error"
// entry are logged at warn, everything else at info.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger discards events.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs the event.
func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.InfoLevel
	if msg, ok := event.Meta["error"].(string); ok && msg != "" {
		level = zapcore.WarnLevel
	}
	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID))
	if event.Step != "" {
		fields = append(fields, zap.String("step", event.Step), zap.String("index", event.Index))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
