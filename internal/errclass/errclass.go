// Package errclass implements the Error Classifier: a pure, table-driven
// function from an observed failure to a model.ErrorAction, with no side
// effects of its own. The Execution Manager applies whatever action comes
// back.
package errclass

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// TransportErrorKind enumerates the raw transport outcomes the HTTP Request
// Handler surfaces, distinct from model.ErrorKind which is the
// caller-facing taxonomy.
type TransportErrorKind string

const (
	TransportConnectionRefused TransportErrorKind = "ConnectionRefused"
	TransportDNSFailure        TransportErrorKind = "DNSFailure"
	TransportConnectionReset   TransportErrorKind = "ConnectionReset"
	TransportSocketHangUp      TransportErrorKind = "SocketHangUp"
	TransportTimeout           TransportErrorKind = "Timeout"
	TransportInvalidJSON       TransportErrorKind = "InvalidJson"
	TransportOther             TransportErrorKind = "Other"
)

// Observation is everything Classify needs about one failed attempt.
type Observation struct {
	HTTPStatus            int                // 0 if no HTTP response was received
	Transport             TransportErrorKind // set when HTTPStatus == 0
	Attempt               int                // 1-based attempt number for this pipeline
	MaxAttempts           int
	ConsecutiveRateLimits int // this pipeline's running 429 streak, from Blacklist Manager
}

// Classify applies the classification table, returning the shared
// model.ErrorAction tagged union the Execution Manager and the
// Blacklist Manager both consume. It is pure: no locks, no I/O, no mutation
// of obs.
func Classify(obs Observation) model.ErrorAction {
	if obs.HTTPStatus != 0 {
		return classifyHTTP(obs)
	}
	return classifyTransport(obs)
}

func classifyHTTP(obs Observation) model.ErrorAction {
	switch obs.HTTPStatus {
	case 502:
		return model.Skip("bad_gateway")
	case 503:
		return model.Blacklist(30*time.Second, "service_unavailable")
	case 504:
		return model.Skip("gateway_timeout")
	case 429:
		// The consecutive-429 ladder is tracked by the Blacklist Manager;
		// the classifier only decides Blacklist vs Fatal based on the
		// running count it's handed.
		if obs.ConsecutiveRateLimits >= 3 {
			return model.Fatal("rate_limit_destroy")
		}
		return model.Blacklist(60*time.Second, "rate_limit")
	}
	if obs.HTTPStatus >= 500 && obs.HTTPStatus <= 599 {
		return model.Blacklist(60*time.Second, "server_error")
	}
	if obs.HTTPStatus >= 400 && obs.HTTPStatus <= 499 {
		return model.Fatal(fmt.Sprintf("client_error_%d", obs.HTTPStatus))
	}
	return model.Fatal("unknown_error")
}

func classifyTransport(obs Observation) model.ErrorAction {
	hasAttemptsLeft := obs.Attempt < obs.MaxAttempts

	switch obs.Transport {
	case TransportConnectionRefused:
		return model.Skip("connection_refused")
	case TransportDNSFailure:
		return model.Skip("dns_resolution_failed")
	case TransportConnectionReset:
		if hasAttemptsLeft {
			return model.RetrySame(time.Second, "connection_reset")
		}
		return model.Skip("connection_reset")
	case TransportSocketHangUp:
		if hasAttemptsLeft {
			return model.RetrySame(2*time.Second, "socket_hang_up")
		}
		return model.Skip("socket_hang_up")
	case TransportTimeout:
		if hasAttemptsLeft {
			backoff := time.Duration(math.Pow(2, float64(obs.Attempt-1))) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			return model.RetrySame(backoff, "timeout")
		}
		return model.Skip("timeout")
	case TransportInvalidJSON:
		return model.Skip("invalid_json_response")
	default:
		return model.Fatal("unknown_error")
	}
}

// ToEngineError maps an observation plus a diagnostic message into the
// caller-facing model.ErrorKind taxonomy. The orchestrator does not call
// it; it renders the EngineError carried by the execution result.
func ToEngineError(obs Observation, message string) model.ErrorKind {
	switch {
	case obs.HTTPStatus == 401 || obs.HTTPStatus == 403:
		return model.ErrAuthentication
	case obs.HTTPStatus == 429:
		return model.ErrRateLimited
	case obs.HTTPStatus >= 400 && obs.HTTPStatus < 500:
		return model.ErrValidation
	case obs.HTTPStatus >= 500:
		return model.ErrProviderFailure
	case obs.Transport == TransportTimeout:
		return model.ErrProviderTimeout
	case obs.Transport == TransportConnectionRefused, obs.Transport == TransportDNSFailure,
		obs.Transport == TransportConnectionReset, obs.Transport == TransportSocketHangUp:
		return model.ErrNetwork
	case strings.Contains(strings.ToLower(message), "unavailable"):
		return model.ErrProviderUnavailable
	default:
		return model.ErrProviderFailure
	}
}
