package logging

import (
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the subset of the logging settings needed to build a *zap.Logger.
// It mirrors internal/config.Logging without importing the config package,
// avoiding an import cycle (config.Load itself logs through logging.L).
type Config struct {
	Level        string // trace|debug|info|warn|error
	Destination  string // stdout|file
	FilePath     string
	RotateSizeKB int
	RotateCount  int
}

// Init rebuilds the package-level logger L according to cfg, replacing the
// bootstrap zap.NewProduction() logger used before configuration is loaded.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)

	var sink zapcore.WriteSyncer
	if cfg.Destination == "file" && cfg.FilePath != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSizeMB(cfg.RotateSizeKB),
			MaxBackups: cfg.RotateCount,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	L = zap.New(core, zap.WithCaller(false))
	return nil
}

// trace is not a zap level; map it onto Debug, matching the spec's five-level
// taxonomy onto zap's four.
func parseLevel(level string) zapcore.Level {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func maxSizeMB(rotateSizeKB int) int {
	if rotateSizeKB <= 0 {
		return 100
	}
	mb := rotateSizeKB / 1024
	if mb < 1 {
		return 1
	}
	return mb
}
