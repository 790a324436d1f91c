package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
	InstanceID string // 写入每条日志的实例标识
}

// Logger 带可调级别的日志实例, 配置热更新时调整级别
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// NewLogger 创建新的日志实例
func NewLogger(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	// 配置编码器
	format := cfg.Format
	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		format = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	config := zap.Config{
		Level:            level,
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.InstanceID != "" {
		config.InitialFields = map[string]interface{}{"instance": cfg.InstanceID}
	}

	zl, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl, level: level}, nil
}

// SetLevel 调整日志级别, 无法解析时保持不变
func (l *Logger) SetLevel(text string) bool {
	lvl, err := zapcore.ParseLevel(text)
	if err != nil {
		return false
	}
	l.level.SetLevel(lvl)
	return true
}

// Level 返回当前日志级别
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

func parseLevel(text string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(text)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
