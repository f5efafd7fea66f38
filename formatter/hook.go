package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextHook is a custom hook for add the source information for the entry
type ContextHook struct {
	goModuleName string
}

// NewContextHook instantiate a new context hook
func NewContextHook() *ContextHook {
	hook := &ContextHook{}
	hook.goModuleName = hook.moduleName() + "/"
	return hook
}

// Levels set the supported levels for this hook
func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extend with the source information the entry.Data
func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	src := hook.parseSrc(entry.Caller.File)
	entry.Data[sourceField] = fmt.Sprintf("%s:%v", src, entry.Caller.Line)
	return nil
}

func (hook ContextHook) moduleName() string {
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		return info.Main.Path
	}

	return "weighstation"
}

func (hook ContextHook) parseSrc(filePath string) string {
	modulePath := strings.SplitAfter(filePath, hook.goModuleName)
	if len(modulePath) > 1 {
		return modulePath[len(modulePath)-1]
	}

	// checkout under a different directory name
	modulePath = strings.SplitAfter(filePath, "weighstation/")
	if len(modulePath) > 1 {
		return modulePath[len(modulePath)-1]
	}

	// entry logged by an external package
	_, pkg := path.Split(path.Dir(filePath))
	file := path.Base(filePath)
	return fmt.Sprintf("%s/%s", pkg, file)
}
