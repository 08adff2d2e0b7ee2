package log

import (
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// emojiMap 定义日志类型到表情符号的映射
// 通过在日志调用时添加 "type" 字段，自动为日志添加对应的表情符号
var emojiMap = map[string]string{
	"startup":   "🚀",
	"shutdown":  "🛑",
	"scheduler": "🎯",
	"cycle":     "🔄",
	"refresh":   "🎫",
	"success":   "✅",
	"failure":   "❌",
	"timeout":   "⏰",
	"skipped":   "⏭️",
	"config":    "⚙️",
	"storage":   "💾",
	"redis":     "📦",
	"mail":      "📬",
	"proxy":     "🧭",
	"reaper":    "🧹",
	"health":    "💓",
}

// outcomeEmoji 按任务结果选择表情符号
func outcomeEmoji(state string) string {
	switch state {
	case "succeeded":
		return "✅"
	case "failed":
		return "❌"
	case "timed_out":
		return "⏰"
	case "cancelled":
		return "🚫"
	default:
		return ""
	}
}

// EmojiConsoleEncoder 包装 Zap 的 ConsoleEncoder，按 type / state 字段添加表情符号
type EmojiConsoleEncoder struct {
	zapcore.Encoder
	config zapcore.EncoderConfig
}

// NewEmojiConsoleEncoder 创建带表情符号的控制台编码器
func NewEmojiConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &EmojiConsoleEncoder{
		Encoder: zapcore.NewConsoleEncoder(cfg),
		config:  cfg,
	}
}

// EncodeEntry 编码日志条目，自动添加表情符号
func (enc *EmojiConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	var logType, state string
	for _, field := range fields {
		if field.Type != zapcore.StringType {
			continue
		}
		switch field.Key {
		case "type":
			logType = field.String
		case "state":
			state = field.String
		}
	}

	// 优先级: 任务结果 > type 映射 > 日志级别
	emoji := outcomeEmoji(state)
	if emoji == "" && logType != "" {
		emoji = emojiMap[logType]
	}
	if emoji == "" {
		switch entry.Level {
		case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
			emoji = "❌"
		case zapcore.WarnLevel:
			emoji = "⚠️"
		case zapcore.InfoLevel:
			emoji = "ℹ️"
		case zapcore.DebugLevel:
			emoji = "🐛"
		}
	}

	if emoji != "" {
		entry.Message = emoji + " " + entry.Message
	}

	return enc.Encoder.EncodeEntry(entry, fields)
}

// Clone 克隆编码器（Zap 内部使用）
func (enc *EmojiConsoleEncoder) Clone() zapcore.Encoder {
	return &EmojiConsoleEncoder{
		Encoder: enc.Encoder.Clone(),
		config:  enc.config,
	}
}

// EmojiFor returns the emoji registered for a log type.
func EmojiFor(logType string) (string, bool) {
	e, ok := emojiMap[logType]
	return e, ok
}
