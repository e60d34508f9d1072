package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// TransientError marks a failure of a downstream dependency that is expected
// to go away on its own.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient: " + e.Op
	}
	return "transient: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Названия видов сбоев, допустимые в конфигурации retry.retryable.
const (
	KindTransient             = "transient"
	KindDeadlineExceeded      = "deadline_exceeded"
	KindOutOfBrokers          = "out_of_brokers"
	KindNotLeaderForPartition = "not_leader_for_partition"
	KindRequestTimedOut       = "request_timed_out"
	KindLeaderNotAvailable    = "leader_not_available"
	KindNetworkException      = "network_exception"
)

var catalog = map[string]Kind{
	KindTransient:             TypeOf[*TransientError](KindTransient),
	KindDeadlineExceeded:      Sentinel(KindDeadlineExceeded, context.DeadlineExceeded),
	KindOutOfBrokers:          Sentinel(KindOutOfBrokers, sarama.ErrOutOfBrokers),
	KindNotLeaderForPartition: Sentinel(KindNotLeaderForPartition, sarama.ErrNotLeaderForPartition),
	KindRequestTimedOut:       Sentinel(KindRequestTimedOut, sarama.ErrRequestTimedOut),
	KindLeaderNotAvailable:    Sentinel(KindLeaderNotAvailable, sarama.ErrLeaderNotAvailable),
	KindNetworkException:      Sentinel(KindNetworkException, sarama.ErrNetworkException),
}

// Lookup returns the catalog kind registered under name.
func Lookup(name string) (Kind, bool) {
	k, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// FromNames builds a Registry out of catalog names. Unknown names are an error.
func FromNames(names []string) (*Registry, error) {
	b := NewBuilder()
	for _, n := range names {
		k, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("classify: unknown failure kind %q", n)
		}
		b.Register(k)
	}
	return b.Build(), nil
}
