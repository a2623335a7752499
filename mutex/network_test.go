package mutex

import (
	"context"
	"net"
	"testing"
	"time"
)

// freePort grabs an ephemeral port and releases it, so the test's mutex
// instances can race over a port nothing else is using.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNetworkMutexLeaderThenFollower(t *testing.T) {
	port := freePort(t)

	leader := NewNetworkMutex(port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := leader.Lock(ctx); err != nil {
		t.Fatalf("leader Lock: %v", err)
	}

	follower := NewNetworkMutex(port)
	var sawLeader bool
	follower.Waiting = func(cwd string, pid int) {
		sawLeader = pid > 0
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- follower.Lock(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("follower acquired the mutex while the leader still held it")
	case <-time.After(300 * time.Millisecond):
	}

	if err := leader.Unlock(); err != nil {
		t.Fatalf("leader Unlock: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("follower Lock after leader exit: %v", err)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("follower never took over leadership")
	}
	if !sawLeader {
		t.Error("follower never learned the leader's identity")
	}
	follower.Unlock()
}

func TestNetworkMutexUnlockWithoutLock(t *testing.T) {
	m := NewNetworkMutex(freePort(t))
	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock before Lock should be a no-op: %v", err)
	}
}
