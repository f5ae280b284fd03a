package ddbstate

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// badgerLogger forwards BadgerDB logs to zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

var _ badger.Logger = badgerLogger{}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error().Str("db", "badger").Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn().Str("db", "badger").Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug().Str("db", "badger").Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Trace().Str("db", "badger").Msgf(strings.TrimSuffix(f, "\n"), v...)
}
