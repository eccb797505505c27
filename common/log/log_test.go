package log_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/inetsim/stack/common/log"
)

type testLogger struct {
	value string
}

func (l *testLogger) Handle(msg log.Message) {
	l.value = msg.String()
}

func TestLogRecord(t *testing.T) {
	var logger testLogger
	log.RegisterHandler(&logger)

	log.Record(&log.GeneralMessage{
		Severity: log.Severity_Error,
		Content:  "neighbor fe80::2 unreachable on eth0",
	})

	if diff := cmp.Diff("[Error] neighbor fe80::2 unreachable on eth0", logger.value); diff != "" {
		t.Error(diff)
	}
}
