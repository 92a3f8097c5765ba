package logging

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

var rootLogger = logrus.NewEntry(logrus.StandardLogger())

type ctxLogKey struct{}

// Formatting はログ出力形式の設定
type Formatting struct {
	DisableColor bool
	UTC          bool
	JSON         bool
}

// WithLogger はロガーをコンテキストに載せる
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxLogKey{}, logger)
}

// WithLogField はフィールドを追加したロガーをコンテキストに載せる (長い値は切り詰める)
func WithLogField(ctx context.Context, key, value string) context.Context {
	if len(value) > 61 {
		value = value[:61] + "..."
	}
	return WithLogger(ctx, L(ctx).WithField(key, value))
}

// L はコンテキストのロガーを返す
func L(ctx context.Context) *logrus.Entry {
	logger := ctx.Value(ctxLogKey{})
	if logger == nil {
		return rootLogger
	}
	return logger.(*logrus.Entry)
}

// SetLevel は文字列からログレベルを設定する。未知の値は info
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

type utcFormatter struct {
	logrus.Formatter
}

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.Formatter.Format(e)
}

// SetFormatting はログ出力形式を設定する
func SetFormatting(format Formatting) {
	var formatter logrus.Formatter
	if format.JSON {
		formatter = &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	} else {
		formatter = &logrus.TextFormatter{
			DisableColors:   format.DisableColor,
			ForceColors:     !format.DisableColor,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	}
	if format.UTC {
		formatter = &utcFormatter{Formatter: formatter}
	}
	logrus.SetFormatter(formatter)
}
