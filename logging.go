package squashfs

import "github.com/sirupsen/logrus"

// log is the package-wide structured logger. It defaults to logrus's standard
// logger at Info level; callers embedding this library in a larger service can
// replace it with SetLogger to route squashfs's diagnostics through their own
// logging pipeline.
var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for diagnostic output across the package.
// Pass nil to restore the default (logrus's standard logger).
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		log = logrus.StandardLogger()
		return
	}
	log = l
}
