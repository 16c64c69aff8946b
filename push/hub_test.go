package push

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/test"
)

// Emitters run on engine and HTTP goroutines, so connection teardown
// must never turn a concurrent emit into a panic. This drives sends
// against teardown for many connections; any close of the send channel
// would eventually crash it.
func TestEmitRacesTeardown(t *testing.T) {
	ctx := test.Logging(t)
	h := NewHub(NewRegistry(), HubOpts{SendBuffer: 4})

	for i := 0; i < 500; i++ {
		sid := fmt.Sprintf("sid-%d", i)
		h.reg.Register(sid, "alice", "tab", cvehub.Now())
		h.conns.put(sid, newConn(h, nil, sid, h.opts.SendBuffer))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				h.ToSession(ctx, sid, cvehub.EventPong, nil)
			}
		}()
		go func() {
			defer wg.Done()
			h.conns.drop(sid)
		}()
		wg.Wait()
		h.reg.Remove(sid)
	}
}

// A send after teardown is a quiet no-op.
func TestSendAfterDrop(t *testing.T) {
	ctx := test.Logging(t)
	h := NewHub(NewRegistry(), HubOpts{SendBuffer: 1})

	h.reg.Register("sid-1", "alice", "tab", cvehub.Now())
	c := newConn(h, nil, "sid-1", h.opts.SendBuffer)
	h.conns.put("sid-1", c)
	h.conns.drop("sid-1")

	for i := 0; i < 8; i++ {
		h.ToSession(ctx, "sid-1", cvehub.EventPong, nil)
	}
	select {
	case <-c.done:
	default:
		t.Error("done not closed by drop")
	}
	// Dropping again must not double-close.
	h.conns.drop("sid-1")
}
