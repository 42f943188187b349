package observability

import (
	"time"

	"go.uber.org/zap"
)

// Field helpers keep call sites independent of the zap import.

func String(key, value string) zap.Field { return zap.String(key, value) }

func Strings(key string, values []string) zap.Field { return zap.Strings(key, values) }

func Int(key string, value int) zap.Field { return zap.Int(key, value) }

func Int64(key string, value int64) zap.Field { return zap.Int64(key, value) }

func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

func Float64(key string, value float64) zap.Field { return zap.Float64(key, value) }

func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

func Error(err error) zap.Field { return zap.Error(err) }

func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }
