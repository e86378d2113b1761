package bridge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRaceSingleWinnerProperty answers every candidate and lets them all
// respond at once: bit i of mask decides whether candidate i accepts. At most
// one candidate is bridged, every other candidate is hung up exactly once,
// and a race without acceptors releases the caller exactly once.
func TestRaceSingleWinnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one winner, every loser hung up once", prop.ForAll(
		func(n, mask int) bool {
			numbers := make([]string, n)
			for i := range numbers {
				numbers[i] = fmt.Sprintf("+1555555030%d", i)
			}

			cc := newFakeCallControl()
			o := newTestOrchestrator(t, cc, func(opts *Options) {
				opts.Candidates = numbers
			})
			sess := startCall(t, o)
			legs := sess.CandidateIDs()
			if len(legs) != n {
				return false
			}
			for _, id := range legs {
				answerLeg(o, id)
			}

			acceptors := make(map[string]bool)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i, number := range numbers {
				legID := legFor(number)
				digit := "2"
				if mask&(1<<i) != 0 {
					digit = "1"
					acceptors[legID] = true
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					pressDigit(o, legID, digit)
				}()
			}
			close(start)
			wg.Wait()

			winner := sess.WinnerID()
			bridges := cc.bridgeCalls()
			if len(acceptors) == 0 {
				if winner != "" || len(bridges) != 0 || sess.State() != SessionAbandoned {
					return false
				}
				if cc.hangupCount(testInbound) != 1 {
					return false
				}
			} else {
				if !acceptors[winner] || len(bridges) != 1 || bridges[0][1] != winner {
					return false
				}
				if cc.hangupCount(testInbound) != 0 {
					return false
				}
			}

			for _, id := range legs {
				want := 1
				if id == winner {
					want = 0
				}
				if cc.hangupCount(id) != want {
					return false
				}
			}
			return len(cc.duplicateCommands()) == 0
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 63),
	))

	properties.TestingRun(t)
}
