package sqlstore

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type dblog struct {
	parent *log.Entry
	level  logger.LogLevel
}

func newDBLogger(parent *log.Entry) logger.Interface {
	return &dblog{parent: parent, level: logger.Warn}
}

// LogMode implements logger.Interface.
func (d *dblog) LogMode(lvl logger.LogLevel) logger.Interface {
	return &dblog{parent: d.parent, level: lvl}
}

// Info implements logger.Interface.
func (d *dblog) Info(_ context.Context, msg string, args ...interface{}) {
	if d.level >= logger.Info {
		d.parent.Infof(msg, args...)
	}
}

// Warn implements logger.Interface.
func (d *dblog) Warn(_ context.Context, msg string, args ...interface{}) {
	if d.level >= logger.Warn {
		d.parent.Warnf(msg, args...)
	}
}

// Error implements logger.Interface.
func (d *dblog) Error(_ context.Context, msg string, args ...interface{}) {
	if d.level >= logger.Error {
		d.parent.Errorf(msg, args...)
	}
}

// Trace implements logger.Interface. Statements are logged at trace level,
// failures other than "record not found" at error level.
func (d *dblog) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if d.level <= logger.Silent {
		return
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && d.level >= logger.Error {
		sql, rows := fc()
		d.parent.WithError(err).WithFields(log.Fields{
			"sql":           sql,
			"rows_affected": rows,
			"elapsed":       time.Since(begin),
		}).Error("query failed")
		return
	}
	if d.parent.Logger.IsLevelEnabled(log.TraceLevel) {
		sql, rows := fc()
		d.parent.WithFields(log.Fields{
			"sql":           sql,
			"rows_affected": rows,
			"elapsed":       time.Since(begin),
		}).Trace("query")
	}
}
