package ingest

import (
	"fmt"

	"codeberg.org/mutker/pcslog/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoLogger routes the MQTT client's internal logging into zerolog.
type pahoLogger struct {
	event func() *logger.LogEvent
}

func (l pahoLogger) Println(v ...interface{}) {
	l.event().Str("component", "mqtt").Msg(fmt.Sprint(v...))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.event().Str("component", "mqtt").Msgf(format, v...)
}

// RouteClientLogs sends the client's error and critical output to the
// application log, and its debug output too when debug is set.
func RouteClientLogs(debug bool) {
	mqtt.ERROR = pahoLogger{event: logger.Error}
	mqtt.CRITICAL = pahoLogger{event: logger.Error}
	mqtt.WARN = pahoLogger{event: logger.Warn}
	if debug {
		mqtt.DEBUG = pahoLogger{event: logger.Debug}
	}
}
