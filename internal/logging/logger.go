// Package logging は zap を使ったロガーの初期化を提供します。
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は出力形式とレベルを指定してロガーを作成します。
// jsonOutput が false の場合は人が読みやすいコンソール形式になります。
func New(jsonOutput bool, level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		logger, err := config.Build()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	return zap.New(core).Sugar(), nil
}

// Nop は何も出力しないロガーを返します（テストやロガー未指定時用）。
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
