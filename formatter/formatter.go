package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ComponentField tags entries with the part of the firmware that wrote them
const ComponentField = "component"

const sourceField = "source"

// SetTextFormatter makes logger write text lines prefixed with the caller
// position
func SetTextFormatter(logger *logrus.Logger) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetReportCaller(true)
	logger.AddHook(NewContextHook())
}

// TextFormatter formats logs into text with included source code's path
type TextFormatter struct {
	timestampFormat string
	levelDesc       []string
}

// NewTextFormatter create new TextFormatter instance
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		levelDesc:       []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"},
		timestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fields string
	keys := make([]string, 0, len(entry.Data))
	for k, v := range entry.Data {
		if k == sourceField || k == ComponentField {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		fields = fmt.Sprintf("[%s] ", strings.Join(keys, ", "))
	}

	var source string
	if src, ok := entry.Data[sourceField]; ok {
		source = fmt.Sprintf("%v: ", src)
	}

	message := entry.Message
	if component, ok := entry.Data[ComponentField].(string); ok && component != "" {
		message = "[" + component + "] " + message
	}

	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return []byte(fmt.Sprintf("%s %s %s%s%s\n", ts.Format(f.timestampFormat), f.parseLevel(entry.Level), fields, source, message)), nil
}

func (f *TextFormatter) parseLevel(level logrus.Level) string {
	if int(level) >= len(f.levelDesc) {
		return ""
	}

	return f.levelDesc[level]
}
