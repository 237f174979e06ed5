package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 是全局可用的 SugaredLogger；InitLogger 之前为空实现，测试中可直接使用
var Log = zap.NewNop().Sugar()

// Options 日志输出配置
type Options struct {
	File    string // 为空时输出到 stderr
	Level   string // debug | info | warn | error
	Console bool   // 同时输出到 stderr
}

// InitLogger 初始化 zap 日志到本地文件（支持滚动）
func InitLogger(opts Options) error {
	level := zapcore.DebugLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	var sinks []zapcore.WriteSyncer
	if opts.File != "" {
		// 文件滚动策略：10MB 每文件，保留3个备份
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   false,
		}))
	}
	if opts.File == "" || opts.Console {
		sinks = append(sinks, zapcore.Lock(os.Stderr))
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.NewMultiWriteSyncer(sinks...), level)

	Log = zap.New(core, zap.AddCaller()).Sugar()
	return nil
}

// Named 返回带组件名的子日志
func Named(name string) *zap.SugaredLogger {
	return Log.Named(name)
}

// SyncLogger 清理和同步缓冲
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
