package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Field is a named value of the log record's context.
// Instances MUST be created using Field* functions.
type Field struct {
	f zap.Field
}

// FieldUint constructs a named unsigned integer field.
func FieldUint(name string, val uint64) Field {
	return Field{f: zap.Uint64(name, val)}
}

// FieldInt constructs a named signed integer field.
func FieldInt(name string, val int64) Field {
	return Field{f: zap.Int64(name, val)}
}

// FieldString constructs a named string field.
func FieldString(name string, val string) Field {
	return Field{f: zap.String(name, val)}
}

// FieldStringer constructs a named fmt.Stringer field.
func FieldStringer(name string, val fmt.Stringer) Field {
	return Field{f: zap.Stringer(name, val)}
}

// FieldError constructs an error field. Error MUST NOT be nil.
func FieldError(val error) Field {
	return Field{f: zap.String("error", val.Error())}
}
