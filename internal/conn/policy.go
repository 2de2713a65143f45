// ABOUTME: Pure reconnection policy: close class and attempt count in, next state and delay out
// ABOUTME: Also classifies websocket close codes and handshake responses into fault classes

package conn

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Custom close codes the server uses to reject a session.
const (
	StatusUnauthorized websocket.StatusCode = 4001
	StatusForbidden    websocket.StatusCode = 4003
)

// Class is the fault class of a closed connection.
type Class int

// Fault classes.
const (
	// ClassRetryable covers transport faults and unexpected closes.
	ClassRetryable Class = iota
	// ClassNormal is a clean close by the server; the policy decides
	// whether to come back.
	ClassNormal
	// ClassFatal is an authentication or authorization rejection.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNormal:
		return "normal"
	case ClassFatal:
		return "fatal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Backoff selects how the reconnect delay grows.
type Backoff string

// Backoff modes.
const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds automatic reconnection.
type Policy struct {
	// MaxAttempts is the number of consecutive retryable failures that
	// turns into Fatal. Zero retries forever.
	MaxAttempts int
	// Delay is the wait before each reconnect, or the first wait when
	// Backoff is exponential.
	Delay   time.Duration
	Backoff Backoff
	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration
	// RetryOnNormalClose reconnects after a clean server close instead of
	// stopping in Disconnected.
	RetryOnNormalClose bool
}

// DefaultPolicy returns five attempts with a fixed two second delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        5,
		Delay:              2 * time.Second,
		Backoff:            BackoffFixed,
		MaxDelay:           30 * time.Second,
		RetryOnNormalClose: true,
	}
}

// Decision is the outcome of one policy step.
type Decision struct {
	Next  State
	Delay time.Duration
	// Attempts is the consecutive failure count after this step.
	Attempts int
	// Exhausted is set when Next is Fatal because the attempt budget ran
	// out rather than because of the close class.
	Exhausted bool
}

// Decide returns what to do after a connection ended with class, given the
// number of consecutive failures before it.
func (p Policy) Decide(class Class, attempts int) Decision {
	switch class {
	case ClassFatal:
		return Decision{Next: Fatal, Attempts: attempts}
	case ClassNormal:
		if !p.RetryOnNormalClose {
			return Decision{Next: Disconnected}
		}
	}

	n := attempts + 1
	if p.MaxAttempts > 0 && n >= p.MaxAttempts {
		return Decision{Next: Fatal, Attempts: n, Exhausted: true}
	}
	return Decision{Next: Reconnecting, Delay: p.delay(n), Attempts: n}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			return p.MaxDelay
		}
	}
	return d
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return errors.New("reconnect delays must not be negative")
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return nil
}

// Classify maps a read or dial error to a fault class and the error to
// report. Errors that already carry a sentinel from this package keep it.
func Classify(err error) (Class, error) {
	switch {
	case err == nil:
		return ClassNormal, nil
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden), errors.Is(err, ErrCredentialExpired):
		return ClassFatal, err
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return ClassNormal, err
	case StatusUnauthorized:
		return ClassFatal, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case StatusForbidden:
		return ClassFatal, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return ClassRetryable, err
}

// classifyHandshake maps a failed dial's HTTP response.
func classifyHandshake(resp *http.Response, err error) error {
	if resp == nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: handshake returned %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusForbidden:
		return fmt.Errorf("%w: handshake returned %d", ErrForbidden, resp.StatusCode)
	}
	return err
}
