package logmask

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Wrap installs the masker on a logger's core. Everything logged through the
// returned logger, including fields added later via With, is masked before
// it reaches any sink.
func Wrap(logger *zap.Logger, m *Masker) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &maskingCore{Core: c, masker: m}
	}))
}

type maskingCore struct {
	zapcore.Core
	masker *Masker
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(c.masker.maskFields(fields)), masker: c.masker}
}

func (c *maskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *maskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.masker.ScrubString(ent.Message)
	return c.Core.Write(ent, c.masker.maskFields(fields))
}

func (m *Masker) maskFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = m.maskField(f)
	}
	return out
}

func (m *Masker) maskField(f zapcore.Field) zapcore.Field {
	if m.SensitiveKey(f.Key) {
		return zap.String(f.Key, Marker)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = m.ScrubString(f.String)
		return f
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, m.ScrubString(err.Error()))
		}
		return f
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
			return zap.String(f.Key, m.ScrubString(s.String()))
		}
		return f
	case zapcore.ReflectType:
		f.Interface = m.maskReflect(f.Interface)
		return f
	case zapcore.ByteStringType:
		f.Interface = []byte(m.ScrubString(string(f.Interface.([]byte))))
		return f
	default:
		return f
	}
}

// maskReflect handles zap.Any payloads. Maps and slices are masked in place;
// arbitrary structs are round-tripped through JSON so nested secret fields
// cannot slip past as typed values.
func (m *Masker) maskReflect(v any) any {
	switch v.(type) {
	case map[string]any, []any, string:
		return m.MaskValue(v)
	case nil:
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return v
	}
	return m.MaskValue(decoded)
}
