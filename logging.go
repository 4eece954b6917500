// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import "github.com/sirupsen/logrus"

// defaultLogger is used by any component constructed without WithLogger.
// Tests and embedders that want silence can pass a logrus.Logger with
// Out set to io.Discard.
var defaultLogger = logrus.StandardLogger()

// logger returns l if non-nil, otherwise the package default. Every
// component holds a *logrus.Logger field set this way at construction so
// spec §7's "logged" obligations have somewhere to go without a global.
func logger(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	return defaultLogger
}
