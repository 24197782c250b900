package dnsresolver

import "github.com/sirupsen/logrus"

// Logger is the subset of logrus's API the engine uses for its two
// "log, don't fail" paths (spec §4.4.3, §7 "recoverable" errors) and for
// task lifecycle events. A nil Resolver.Logger falls back to logrus's
// standard logger.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
}

func (r *Resolver) logger() Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

func (r *Resolver) logDroppedRecord(peer string, owner string) {
	r.logger().WithFields(logrus.Fields{
		"peer":  peer,
		"owner": owner,
	}).Warn("dropping record: peer not authorized to assert this owner")
}

func (r *Resolver) logStrayResponse(peer string, id uint16) {
	r.logger().WithFields(logrus.Fields{
		"peer": peer,
		"id":   id,
	}).Debug("ignoring response with no relevant records")
}

func (r *Resolver) logDecodeFailure(peer string, err error) {
	r.logger().WithFields(logrus.Fields{
		"peer": peer,
		"err":  err,
	}).Debug("ignoring undecodable packet")
}

func (r *Resolver) logTaskOutcome(t *task, outcome string, err error) {
	entry := r.logger().WithFields(logrus.Fields{
		"task":       t.id,
		"outcome":    outcome,
		"iterations": t.nIterations,
	})
	if err != nil {
		entry.WithFields(logrus.Fields{"err": err}).Info("task finished")
		return
	}
	entry.Info("task finished")
}
