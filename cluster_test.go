package gaio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xtaci/reactord/internal/wire"
)

// TestClusterFanOutSkipsOrigin exercises scenario S4 / spec §8 property 5:
// when root relays a frame it received from worker 1, it must reach
// worker 2 but never be echoed back to worker 1.
func TestClusterFanOutSkipsOrigin(t *testing.T) {
	rootSideA, workerSideA := net.Pipe()
	rootSideB, workerSideB := net.Pipe()
	defer rootSideA.Close()
	defer rootSideB.Close()
	defer workerSideA.Close()
	defer workerSideB.Close()

	root := newTestReactor(t)
	JoinCluster(root.pubsub, true, 0, map[int]net.Conn{1: rootSideA, 2: rootSideB}, nil)

	gotB := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(workerSideB)
		if err == nil {
			gotB <- f
		}
	}()

	gotA := make(chan struct{}, 1)
	go func() {
		if _, err := wire.ReadFrame(workerSideA); err == nil {
			gotA <- struct{}{}
		}
	}()

	// Simulate worker 1 publishing CLUSTER-scope: it writes straight onto
	// the wire (as ClusterLink.publish does for a non-root), and root's
	// own readLoop (started by JoinCluster above) picks it up on
	// rootSideA and relays it via handleFrame.
	err := wire.WriteFrame(workerSideA, wire.Frame{Channel: []byte("chan"), Payload: []byte("hello")})
	require.NoError(t, err)

	select {
	case f := <-gotB:
		require.Equal(t, "hello", string(f.Payload))
		require.Equal(t, "chan", string(f.Channel))
	case <-time.After(time.Second):
		t.Fatal("sibling B never received the relayed fan-out")
	}

	select {
	case <-gotA:
		t.Fatal("origin sibling A must not receive its own relayed publish back")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestClusterRootScopeStaysLocal exercises ScopeRoot's "sends only to
// root" rule from spec §4.9: no sibling connection sees the frame at all.
func TestClusterRootScopeStaysLocal(t *testing.T) {
	rootSideA, workerSideA := net.Pipe()
	defer rootSideA.Close()
	defer workerSideA.Close()

	root := newTestReactor(t)
	cl := JoinCluster(root.pubsub, true, 0, map[int]net.Conn{1: rootSideA}, nil)

	delivered := make(chan struct{}, 1)
	_, err := root.pubsub.Subscribe(SubscribeOptions{
		Channel:   "chan",
		OnMessage: func(m *Message) { delivered <- struct{}{} },
	})
	require.NoError(t, err)

	sawFrame := make(chan struct{}, 1)
	go func() {
		if _, err := wire.ReadFrame(workerSideA); err == nil {
			sawFrame <- struct{}{}
		}
	}()

	err = cl.publish(PublishOptions{Scope: ScopeRoot, Channel: "chan", Payload: []byte("local")})
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("root-scoped publish must still deliver locally")
	}
	select {
	case <-sawFrame:
		t.Fatal("root-scoped publish must not reach any sibling")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestClusterWorkerRootScopeStaysLocal covers the gap TestClusterRootScopeStaysLocal
// leaves open: a worker-originated ScopeRoot publish must stay local to
// root once it arrives, not be fanned out to root's other siblings the
// way a ScopeCluster/ScopeSiblings frame would be.
func TestClusterWorkerRootScopeStaysLocal(t *testing.T) {
	rootSideA, workerSideA := net.Pipe()
	rootSideB, workerSideB := net.Pipe()
	defer rootSideA.Close()
	defer rootSideB.Close()
	defer workerSideA.Close()
	defer workerSideB.Close()

	root := newTestReactor(t)
	JoinCluster(root.pubsub, true, 0, map[int]net.Conn{1: rootSideA, 2: rootSideB}, nil)

	delivered := make(chan struct{}, 1)
	_, err := root.pubsub.Subscribe(SubscribeOptions{
		Channel:   "chan",
		OnMessage: func(m *Message) { delivered <- struct{}{} },
	})
	require.NoError(t, err)

	sawFrame := make(chan struct{}, 1)
	go func() {
		if _, err := wire.ReadFrame(workerSideB); err == nil {
			sawFrame <- struct{}{}
		}
	}()

	// Worker 1 publishes with Scope: ScopeRoot, exactly as ClusterLink.publish
	// does on a non-root process — the scope now travels on the wire.
	err = wire.WriteFrame(workerSideA, wire.Frame{
		Channel: []byte("chan"),
		Payload: []byte("hello"),
		Scope:   wire.ScopeRoot,
	})
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("root-scoped publish from a worker must still deliver locally at root")
	}
	select {
	case <-sawFrame:
		t.Fatal("root-scoped publish from a worker must not be fanned out to other siblings")
	case <-time.After(50 * time.Millisecond):
	}
}
