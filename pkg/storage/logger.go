package storage

import "github.com/sirupsen/logrus"

// badgerLogger satisfies badger.Logger. Badger is chatty at Info during open and
// compaction, so Info is demoted to Debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Debugf(f, v...) }
