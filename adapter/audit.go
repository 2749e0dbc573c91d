// Package adapter provides default implementations of the api contracts.
package adapter

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/logger"
)

// LogAudit writes audit events as single key=value lines through the shmbus logger.
type LogAudit struct {
	log *logger.Logger
}

var _ api.Audit = (*LogAudit)(nil)

// NewLogAudit returns a LogAudit writing to out (stdout when nil). Events are logged at Info.
func NewLogAudit(out io.Writer) *LogAudit {
	return &LogAudit{log: logger.New("audit", out)}
}

// LogEvent logs an audit event with its details sorted by key.
func (a *LogAudit) LogEvent(event string, details map[string]interface{}) error {
	a.log.Infof("%s", FormatEvent(event, details))
	return nil
}

// FormatEvent renders event followed by its details as sorted key=value pairs.
func FormatEvent(event string, details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(event)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, details[k])
	}
	return b.String()
}
