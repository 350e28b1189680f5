package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global variable
var zapLog *zap.Logger

// Init builds the process-wide logger. verbose selects the development
// config with human readable timestamps, which is what -debug maps to.
func Init(verbose bool) {
	var config zap.Config
	var encoderConf zapcore.EncoderConfig

	if verbose {
		config = zap.NewDevelopmentConfig()
		encoderConf = zap.NewDevelopmentEncoderConfig()
		encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewProductionConfig()
		encoderConf = zap.NewProductionEncoderConfig()

		// Unix timestamp millis for production
		encoderConf.EncodeTime = zapcore.EpochMillisTimeEncoder

		// Stack traces are noise in an embedded daemon log
		encoderConf.StacktraceKey = ""
	}

	config.EncoderConfig = encoderConf

	// Skip one caller as thats our own log package
	var err error
	zapLog, err = config.Build(zap.AddCallerSkip(1))

	// Panic if we cant log correctly
	if err != nil {
		panic(err)
	}
}

// Sync flushes buffered log entries, call before process exit.
func Sync() {
	if zapLog != nil {
		_ = zapLog.Sync()
	}
}

func Debug(message string, fields ...zap.Field) {
	zapLog.Debug(message, fields...)
}

func Info(message string, fields ...zap.Field) {
	zapLog.Info(message, fields...)
}

func Warn(message string, fields ...zap.Field) {
	zapLog.Warn(message, fields...)
}

func Error(message string, fields ...zap.Field) {
	zapLog.Error(message, fields...)
}

func Fatal(message string, fields ...zap.Field) {
	zapLog.Fatal(message, fields...)
}
