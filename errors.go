package dnsresolver

import "errors"

// ErrNotFound is delivered to a Task's failure callback when an
// authoritative NXDOMAIN response is received for one of its questions.
var ErrNotFound = errors.New("dnsresolver: name not found")

// ErrCircularCNAME is delivered when following a CNAME chain for a question
// would revisit a name already seen while resolving it.
var ErrCircularCNAME = errors.New("dnsresolver: circular CNAME reference")

// ErrTooManyRetries is delivered when a Task's iteration count reaches its
// configured maximum (see Task.maxIterations) without resolving.
var ErrTooManyRetries = errors.New("dnsresolver: too many retries")

// ErrFormatError is delivered when a name server reports FORMERR for a
// query this Task sent.
var ErrFormatError = errors.New("dnsresolver: server reported format error")

// ErrServerProblem is delivered when a name server reports SERVFAIL,
// NOTIMP or REFUSED for a query this Task sent.
var ErrServerProblem = errors.New("dnsresolver: server reported a problem")

// ErrNoNameServers is delivered when a Task has no name server left to ask
// and none can be derived from the cache or configuration.
var ErrNoNameServers = errors.New("dnsresolver: no name servers available")

// ErrTransportClosed is delivered to every outstanding Task when the
// Resolver's transport reports a read or write shutdown, because message
// ids can no longer be trusted to correspond to this Resolver's queries.
var ErrTransportClosed = errors.New("dnsresolver: transport closed")

// ErrCancelled names cancellation of a Task by its caller. The engine never
// delivers it to a failure callback (a cancelled Task only gets its destroy
// callback) and does not record it on the Task.
var ErrCancelled = errors.New("dnsresolver: task cancelled")
