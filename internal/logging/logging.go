// Package logging はコンポーネント名と key=value 形式のフィールドを持つログ行を出力します。
package logging

import (
	"fmt"
	"log"
	"strings"
)

// Info はコンポーネント名を接頭辞にして情報ログを出力します。
func Info(component, msg string, kv ...interface{}) {
	log.Print(Format(component, "", msg, kv...))
}

// Warn は警告ログを出力します。
func Warn(component, msg string, kv ...interface{}) {
	log.Print(Format(component, "WARN", msg, kv...))
}

// Error はエラーログを出力します。
func Error(component, msg string, kv ...interface{}) {
	log.Print(Format(component, "ERROR", msg, kv...))
}

// Format はログ行を組み立てます。level が空の場合は省略します。
func Format(component, level, msg string, kv ...interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(component))
	b.WriteString("] ")
	if level != "" {
		b.WriteString(level)
		b.WriteString(" ")
	}
	b.WriteString(msg)
	b.WriteString(formatFields(kv...))
	return b.String()
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		if strings.ContainsAny(t, " \t\n") {
			return fmt.Sprintf("%q", t)
		}
		return t
	case error:
		if t == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%q", t.Error())
	default:
		s := fmt.Sprintf("%v", t)
		s = strings.ReplaceAll(s, "\n", " ")
		return strings.TrimSpace(strings.ReplaceAll(s, "\t", " "))
	}
}
