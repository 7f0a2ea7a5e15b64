package sip

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var defLogger *zerolog.Logger

// SetDefaultLogger sets default logger that will be used withing sip package
// Must be called before any usage of library
func SetDefaultLogger(l zerolog.Logger) {
	defLogger = &l
}

func DefaultLogger() zerolog.Logger {
	if defLogger != nil {
		return *defLogger
	}
	return log.Logger
}
