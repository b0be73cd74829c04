package maildir

import (
	"os"
	"testing"
	"time"

	"github.com/tenzoki/relay/internal/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(dir)
	if res := s.CreateEndpoint("abc123"); !res.OK {
		t.Fatalf("CreateEndpoint: %v", res.Error)
	}
	return s
}

func TestDeliverThenListNew(t *testing.T) {
	s := newTestStore(t)
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})

	res := s.Deliver("abc123", env)
	if !res.OK {
		t.Fatalf("Deliver: %v", res.Error)
	}

	names, err := s.List("abc123", "new")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != env.ID {
		t.Fatalf("List(new) = %v, want [%s]", names, env.ID)
	}
}

func TestDeliverThenClaimRoundTrip(t *testing.T) {
	s := newTestStore(t)
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})
	env.Budget.HopCount = 1
	env.Budget.CallBudgetRemaining = 9
	env.Budget.AncestorChain = []string{"relay.agent.a"}

	if res := s.Deliver("abc123", env); !res.OK {
		t.Fatalf("Deliver: %v", res.Error)
	}

	claim := s.Claim("abc123", env.ID+".json")
	if !claim.OK {
		t.Fatalf("Claim: %v", claim.Error)
	}

	if claim.Envelope.ID != env.ID {
		t.Errorf("claimed id = %q, want %q", claim.Envelope.ID, env.ID)
	}
	if claim.Envelope.Budget.HopCount != 1 || claim.Envelope.Budget.CallBudgetRemaining != 9 {
		t.Errorf("claimed budget = %+v", claim.Envelope.Budget)
	}

	newNames, _ := s.List("abc123", "new")
	if len(newNames) != 0 {
		t.Errorf("expected new/ empty after claim, got %v", newNames)
	}
	curNames, _ := s.List("abc123", "cur")
	if len(curNames) != 1 {
		t.Errorf("expected cur/ to hold the claimed envelope, got %v", curNames)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})
	if res := s.Deliver("abc123", env); !res.OK {
		t.Fatalf("Deliver: %v", res.Error)
	}

	const attempts = 8
	results := make(chan ClaimResult, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- s.Claim("abc123", env.ID+".json")
		}()
	}

	successes := 0
	for i := 0; i < attempts; i++ {
		r := <-results
		if r.OK {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", successes)
	}
}

func TestCompleteUnlinks(t *testing.T) {
	s := newTestStore(t)
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})
	s.Deliver("abc123", env)
	s.Claim("abc123", env.ID+".json")

	if res := s.Complete("abc123", env.ID+".json"); !res.OK {
		t.Fatalf("Complete: %v", res.Error)
	}
	names, _ := s.List("abc123", "cur")
	if len(names) != 0 {
		t.Errorf("expected cur/ empty after complete, got %v", names)
	}
}

func TestFailWritesSidecar(t *testing.T) {
	s := newTestStore(t)
	env, _ := envelope.New("relay.agent.a", "relay.agent.s0", map[string]string{"k": "v"})
	s.Deliver("abc123", env)
	s.Claim("abc123", env.ID+".json")

	dl := DeadLetter{Reason: "handler panicked", FailedAt: time.Now(), Endpoint: "abc123"}
	if res := s.Fail("abc123", env.ID+".json", dl); !res.OK {
		t.Fatalf("Fail: %v", res.Error)
	}

	failedNames, _ := s.List("abc123", "failed")
	if len(failedNames) != 1 || failedNames[0] != env.ID {
		t.Fatalf("List(failed) = %v", failedNames)
	}

	base := s.endpointDir("abc123")
	if _, err := os.Stat(base + "/failed/" + env.ID + ".reason.json"); err != nil {
		t.Errorf("expected sidecar file, got %v", err)
	}
}

func TestListMissingDirectoryReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	names, err := s.List("nonexistent", "new")
	if err != nil {
		t.Fatalf("expected no error for missing directory, got %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty list, got %v", names)
	}
}

func TestDestroyEndpointRemovesTree(t *testing.T) {
	s := newTestStore(t)
	if res := s.DestroyEndpoint("abc123"); !res.OK {
		t.Fatalf("DestroyEndpoint: %v", res.Error)
	}
	if _, err := os.Stat(s.endpointDir("abc123")); !os.IsNotExist(err) {
		t.Errorf("expected endpoint directory to be gone, err = %v", err)
	}
}
