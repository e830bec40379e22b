package ormap

// Observer receives the semantic events of an unsigned map. Callbacks
// run synchronously on the mutating goroutine; they must not call back
// into mutators of the same map or they will deadlock its mutex.
type Observer interface {
	// OnSet fires when a new live pair is installed. previous is the
	// value being replaced, nil when the key was absent.
	OnSet(key string, value, previous any)
	// OnDelete fires when a live pair is removed.
	OnDelete(key string, value any)
	// OnAffirm fires when an insertion with the already-installed id
	// is re-received.
	OnAffirm(key string, value any)
	// OnPublish hands a batch to the transport.
	OnPublish(batch Batch)
	// OnError reports asynchronous failures (publish-path store errors).
	OnError(err error)
}

// SignedObserver is the Observer of a SignedMap; publishes carry the
// signatures so peers can verify them.
type SignedObserver interface {
	OnSet(key string, value, previous any)
	OnDelete(key string, value any)
	OnAffirm(key string, value any)
	OnPublish(batch SignedBatch)
	OnError(err error)
}

// SetObserver receives the events of the value-keyed Set variant. The
// publish payload is a gzip-compressed JSON array.
type SetObserver interface {
	OnAdd(value any)
	OnRemove(value any)
	OnPublish(wire []byte)
	OnError(err error)
}

// NopObserver is a do-nothing Observer to embed when only a few
// callbacks matter.
type NopObserver struct{}

func (NopObserver) OnSet(string, any, any) {}
func (NopObserver) OnDelete(string, any)   {}
func (NopObserver) OnAffirm(string, any)   {}
func (NopObserver) OnPublish(Batch)        {}
func (NopObserver) OnError(error)          {}

type NopSignedObserver struct{}

func (NopSignedObserver) OnSet(string, any, any) {}
func (NopSignedObserver) OnDelete(string, any)   {}
func (NopSignedObserver) OnAffirm(string, any)   {}
func (NopSignedObserver) OnPublish(SignedBatch)  {}
func (NopSignedObserver) OnError(error)          {}

type NopSetObserver struct{}

func (NopSetObserver) OnAdd(any)        {}
func (NopSetObserver) OnRemove(any)     {}
func (NopSetObserver) OnPublish([]byte) {}
func (NopSetObserver) OnError(error)    {}

// signedForward adapts a SignedObserver to the unsigned core. The core
// never publishes on its own inside a SignedMap (only the signed queues
// are fed), so OnPublish is dropped.
type signedForward struct {
	obs SignedObserver
}

func (f signedForward) OnSet(key string, value, previous any) { f.obs.OnSet(key, value, previous) }
func (f signedForward) OnDelete(key string, value any)        { f.obs.OnDelete(key, value) }
func (f signedForward) OnAffirm(key string, value any)        { f.obs.OnAffirm(key, value) }
func (f signedForward) OnPublish(Batch)                       {}
func (f signedForward) OnError(err error)                     { f.obs.OnError(err) }
