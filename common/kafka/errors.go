package kafka

// ListenerError wraps a failure raised by a BatchListener. The consumer
// hands this wrapper to the failure handler; the interesting cause is Err.
type ListenerError struct {
	Err error
}

func (e *ListenerError) Error() string {
	if e.Err == nil {
		return "kafka: listener failed"
	}
	return "kafka: listener failed: " + e.Err.Error()
}

func (e *ListenerError) Unwrap() error { return e.Err }
