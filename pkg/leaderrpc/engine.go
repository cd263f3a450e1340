// Package leaderrpc implements the client side of the client-leader RPC
// protocol: cache a probable leader address, fall back to a seed list when
// it's wrong or unknown, and retry transient failures with backoff. This is
// the piece that lets every other client-facing RPC be written as "call the
// cluster" instead of "call this specific server."
package leaderrpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raftcabin/cabin/pkg/addr"
	"github.com/raftcabin/cabin/pkg/transport"
	"github.com/raftcabin/cabin/pkg/wire"
)

// ErrSessionExpired is returned when the server reports the client's
// exactly-once session has expired. The caller must open a new session
// (OPEN_SESSION) and retry; the engine does not do this automatically since
// only the caller knows which in-flight RPCs need renumbering.
var ErrSessionExpired = errors.New("leaderrpc: session expired")

// maxHintHops bounds how many usable NOT_LEADER hints one Call will chase in
// total before giving up, so a cluster stuck disagreeing about its leader
// can't spin a caller forever. NOT_LEADER replies without a usable hint do
// not count against it.
const maxHintHops = 10

// Engine is the cached-leader RPC client described above. The zero value is
// not usable; use New.
type Engine struct {
	// Dial opens a session to an address. Defaults to transport.Open;
	// overridable so tests can substitute an in-memory or failing dialer.
	Dial func(ctx context.Context, addr string) (*transport.Session, error)

	// Backoff computes how long to wait before the count'th (0-based)
	// consecutive retry after a transient failure. Defaults to
	// defaultBackoff. Tests typically set this to return 0.
	Backoff func(count int) time.Duration

	// Fatal handles a protocol violation that no retry can fix: an
	// unparseable response, a rejected wire version, or a status the
	// client doesn't recognize. Defaults to logging and exiting the
	// process; tests override it to capture the error instead.
	Fatal func(error)

	seeds *addr.SeedList

	// Metrics tracks call outcomes and redirect activity. Never nil.
	Metrics *Metrics

	mu     sync.Mutex
	leader string
	sess   *transport.Session
}

// New builds an Engine that falls back to the given seed addresses when it
// has no cached leader.
func New(seeds *addr.SeedList) *Engine {
	return &Engine{
		Dial:    transport.Open,
		Backoff: defaultBackoff,
		Fatal:   defaultFatal,
		seeds:   seeds,
		Metrics: newMetrics(),
	}
}

func defaultFatal(err error) {
	log.Fatal().Err(err).Msg("leaderrpc: fatal protocol violation")
}

// defaultBackoff climbs from about 34 milliseconds to a 5 second ceiling over
// six consecutive failures, the same power-curve shape atlas's server uses
// for its own refresh backoff, rescaled from hours to the sub-second cadence
// an RPC retry needs.
func defaultBackoff(count int) time.Duration {
	const capMs, capAt, rate = 5000, 6, 2.3
	if count >= capAt {
		return capMs * time.Millisecond
	}
	ms := math.Pow(rate, float64(count)) * capMs / math.Pow(rate, capAt)
	return time.Duration(ms) * time.Millisecond
}

// Call performs one client-leader RPC: encode req, send it to the cached
// leader (or a seed if none is known), decode the response into resp, and
// retry as the protocol's status codes direct. resp may be nil for RPCs
// with no response body to decode.
//
// A NOT_LEADER response with a usable hint is followed immediately. A
// NOT_LEADER without a usable hint, or any transport failure, falls back to
// the seed list after a backoff delay. INVALID_VERSION, INVALID_REQUEST, an
// unparseable response, and an unrecognized status are all fatal: they
// indicate a bug or incompatibility no retry will fix, and are reported via
// Fatal before Call returns its error.
func (e *Engine) Call(ctx context.Context, op wire.OpCode, req, resp any) error {
	payload, err := wire.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("leaderrpc: encode request: %w", err)
	}
	frame := wire.EncodeRequest(wire.Version, op, payload)

	var retries, hops int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, sess, err := e.connect(ctx)
		if err != nil {
			if werr := e.wait(ctx, retries); werr != nil {
				return werr
			}
			retries++
			continue
		}

		respFrame, err := sess.Send(ctx, frame)
		if err != nil {
			e.forget(target, sess)
			if werr := e.wait(ctx, retries); werr != nil {
				return werr
			}
			retries++
			continue
		}

		status, respPayload, err := wire.DecodeResponse(respFrame)
		if err != nil {
			ferr := fmt.Errorf("leaderrpc: Could not parse server response: %w", err)
			e.Metrics.fatalErrors.Inc()
			e.Fatal(ferr)
			return ferr
		}

		e.Metrics.byStatus.Inc(status.String())

		switch status {
		case wire.StatusOK:
			if resp != nil {
				if err := wire.DecodeMessage(respPayload, resp); err != nil {
					ferr := fmt.Errorf("leaderrpc: Could not parse server response: %w", err)
					e.Metrics.fatalErrors.Inc()
					e.Fatal(ferr)
					return ferr
				}
			}
			return nil

		case wire.StatusInvalidVersion:
			ferr := fmt.Errorf("leaderrpc: client is too old for this server (wire version %d rejected)", wire.Version)
			e.Metrics.fatalErrors.Inc()
			e.Fatal(ferr)
			return ferr

		case wire.StatusInvalidRequest:
			ferr := fmt.Errorf("leaderrpc: request for %v invalid: server rejected it as malformed", op)
			e.Metrics.fatalErrors.Inc()
			e.Fatal(ferr)
			return ferr

		case wire.StatusNotLeader:
			e.forget(target, sess)
			if hintAddr, ok := wire.NotLeaderHint(respPayload); ok {
				if a, perr := addr.Parse(hintAddr); perr == nil && !a.IsSucky() {
					hops++
					if hops > maxHintHops {
						return fmt.Errorf("leaderrpc: too many NOT_LEADER redirects, last hint %s", hintAddr)
					}
					e.Metrics.hintsFollowed.Inc()
					e.setLeader(hintAddr)
					continue
				}
			}
			e.Metrics.seedFallbacks.Inc()
			e.setLeader("")
			if werr := e.wait(ctx, retries); werr != nil {
				return werr
			}
			retries++
			continue

		case wire.StatusSessionExpired:
			return ErrSessionExpired

		default:
			ferr := fmt.Errorf("leaderrpc: unknown status %d from server", uint8(status))
			e.Metrics.fatalErrors.Inc()
			e.Fatal(ferr)
			return ferr
		}
	}
}

// connect returns the session to use for the next attempt, opening one if
// necessary: the cached leader if one is known and connected, the cached
// leader freshly dialed, or the next seed in round robin.
func (e *Engine) connect(ctx context.Context) (target string, sess *transport.Session, err error) {
	e.mu.Lock()
	if e.sess != nil && e.leader != "" {
		target, sess = e.leader, e.sess
		e.mu.Unlock()
		return target, sess, nil
	}
	target = e.leader
	e.mu.Unlock()

	if target == "" {
		a, ok := e.seeds.Next()
		if !ok {
			return "", nil, errors.New("leaderrpc: no known leader and no seeds configured")
		}
		target = a.String()
	}

	sess, err = e.Dial(ctx, target)
	if err != nil {
		// an unreachable cached leader is dropped so the next attempt moves
		// on to the seed list instead of redialing it
		e.mu.Lock()
		if e.leader == target {
			e.leader = ""
		}
		e.mu.Unlock()
		return "", nil, fmt.Errorf("leaderrpc: connect to %s: %w", target, err)
	}

	e.mu.Lock()
	e.leader, e.sess = target, sess
	e.mu.Unlock()
	return target, sess, nil
}

// forget discards sess and, if it's still the cached connection for target,
// the cached leader too. A later caller may have already replaced both, in
// which case forget leaves them alone.
func (e *Engine) forget(target string, sess *transport.Session) {
	sess.Close()
	e.mu.Lock()
	if e.sess == sess {
		e.sess = nil
	}
	if e.leader == target {
		e.leader = ""
	}
	e.mu.Unlock()
}

func (e *Engine) setLeader(a string) {
	e.mu.Lock()
	e.leader = a
	e.sess = nil
	e.mu.Unlock()
}

func (e *Engine) wait(ctx context.Context, count int) error {
	backoff := e.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	d := backoff(count)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
