// internal/logging/redact.go
package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

type secretMarshaler struct {
	key string
	val config.Secret
}

func (s *secretMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, fmt.Sprintf("[REDACTED:%d]", len(s.val.Value())))
	return nil
}

// Secret creates a field for a config.Secret that only shows its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, &secretMarshaler{key: key, val: val})
}

// TextLen logs the length of conversation text instead of the text.
func TextLen(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps an encoder and masks sensitive keys and values.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the redaction rules of cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, redactFields: fields, redactRegex: patterns}, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	return e.redactFields[strings.ToLower(key)]
}

// mask returns the logged form of a string value under key.
func (e *RedactingEncoder) mask(key, val string) string {
	if strings.HasPrefix(val, "[REDACTED") {
		return val
	}
	if e.sensitive(key) {
		return "[REDACTED]"
	}
	for _, re := range e.redactRegex {
		if re.MatchString(val) {
			return "[REDACTED:pattern]"
		}
	}
	return val
}

// AddString masks sensitive keys and values matching a pattern.
func (e *RedactingEncoder) AddString(key, val string) {
	e.Encoder.AddString(key, e.mask(key, val))
}

// EncodeEntry masks the fields passed at the log call. Fields added with
// With already went through the Add methods.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if len(e.redactFields) == 0 && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	masked := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		masked[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, masked)
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.SkipType:
		return f
	case zapcore.StringType:
		return zap.String(f.Key, e.mask(f.Key, f.String))
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			if masked := e.mask(f.Key, err.Error()); masked != err.Error() {
				return zap.String(f.Key, masked)
			}
		}
		return f
	case zapcore.ObjectMarshalerType:
		if _, ok := f.Interface.(*secretMarshaler); ok {
			return f
		}
	}
	if e.sensitive(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	return f
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// Clone implements zapcore.Encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}
