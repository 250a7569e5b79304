package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Stars1233/memori/internal/models"
	. "github.com/onsi/gomega"
)

func TestReconcileConvergesAfterNPlusOneDescribes(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7} {
		p := newFakeProvider()
		p.set("c", models.StateProvisioning)
		p.pending["c"] = &pending{target: models.StateRunning, remaining: n}
		m := newManager(t, p, fastOptions())

		task, err := m.Reconcile("c", models.StateRunning, time.Now().Add(5*time.Second))
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("n=%d: reconciliation did not finish", n)
		}

		st, err := task.Result()
		if err != nil || st != models.StateRunning {
			t.Fatalf("n=%d: expected Running, got %s %v", n, st, err)
		}
		if got := p.count("describe"); got != n+1 {
			t.Fatalf("n=%d: expected %d describes, got %d", n, n+1, got)
		}
		if task.Attempts() != n+1 {
			t.Fatalf("n=%d: expected %d attempts, got %d", n, n+1, task.Attempts())
		}
		if m.CurrentState("c") != models.StateRunning {
			t.Fatalf("n=%d: cache not updated", n)
		}
	}
}

func TestReconcilePollIntervalGrows(t *testing.T) {
	p := newFakeProvider()
	p.set("c", models.StateStarting)
	p.pending["c"] = &pending{target: models.StateRunning, remaining: 4}
	m := newManager(t, p, fastOptions())

	task, err := m.Reconcile("c", models.StateRunning, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	<-task.Done()
	// 5ms growing by 1.5 is capped at 20ms after four polls
	if got := task.Interval(); got != 20*time.Millisecond {
		t.Fatalf("expected interval capped at 20ms, got %s", got)
	}
}

func TestReconcileRespectsDeadline(t *testing.T) {
	g := NewWithT(t)
	p := newFakeProvider()
	p.set("c", models.StateStopped)
	m := newManager(t, p, fastOptions())

	deadline := time.Now().Add(150 * time.Millisecond)
	task, err := m.Reconcile("c", models.StateRunning, deadline)
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(task.Done(), 2*time.Second).Should(BeClosed())
	g.Expect(time.Now()).NotTo(BeTemporally("<", deadline))

	st, err := task.Result()
	g.Expect(errors.Is(err, ErrTimeout)).To(BeTrue(), "got %v", err)
	g.Expect(st).To(Equal(models.StateStopped))

	// the token is released: a new action is accepted right away
	st, err = issue(m, "c", models.VerbStart)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st).To(Equal(models.StateStarting))
}

func TestStuckDescribeDoesNotOutliveDeadline(t *testing.T) {
	g := NewWithT(t)
	p := newFakeProvider()
	p.set("c", models.StateStopped)
	p.hangDescribes(true)
	opts := fastOptions()
	opts.CallTimeout = time.Minute
	m := newManager(t, p, opts)

	deadline := time.Now().Add(100 * time.Millisecond)
	task, err := m.Reconcile("c", models.StateRunning, deadline)
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(task.Done(), time.Second).Should(BeClosed())
	g.Expect(time.Now()).To(BeTemporally("<", deadline.Add(500*time.Millisecond)))
	g.Expect(p.count("describe")).To(BeNumerically(">=", 1))

	_, err = task.Result()
	g.Expect(err).To(MatchError(ErrTimeout))

	p.hangDescribes(false)
	st, err := issue(m, "c", models.VerbStart)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st).To(Equal(models.StateStarting))
}

func TestTimedOutClusterIsDescribedAgain(t *testing.T) {
	p := newFakeProvider()
	p.set("c", models.StateStopped)
	m := newManager(t, p, fastOptions())

	task, err := m.Reconcile("c", models.StateRunning, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	<-task.Done()
	p.resetCalls()

	if _, err := issue(m, "c", models.VerbStop); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if p.count("describe") != 1 {
		t.Fatalf("expected the timed out cluster to be described, got %d calls", p.count("describe"))
	}
}

func TestAbandonedWaitLeavesReconciliationRunning(t *testing.T) {
	g := NewWithT(t)
	p := newFakeProvider()
	p.settleAfter = 10
	m := newManager(t, p, fastOptions())

	_, err := issue(m, "c", models.VerbCreate)
	g.Expect(err).NotTo(HaveOccurred())

	_, err = m.AwaitTerminal(context.Background(), "c", time.Millisecond)
	g.Expect(errors.Is(err, ErrTimeout)).To(BeTrue(), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.AwaitTerminal(ctx, "c", time.Second)
	g.Expect(errors.Is(err, ErrTimeout)).To(BeTrue(), "got %v", err)
	g.Expect(errors.Is(err, context.Canceled)).To(BeTrue())

	st, err := m.AwaitTerminal(context.Background(), "c", 5*time.Second)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st).To(Equal(models.StateRunning))
}

func TestPollFailuresAreRetriedInPlace(t *testing.T) {
	p := newFakeProvider()
	p.set("c", models.StateProvisioning)
	p.pending["c"] = &pending{target: models.StateRunning}
	// three failures fit within one poll's retries
	p.inject("describe", fault{err: errUnreachable}, fault{err: errUnreachable}, fault{err: errUnreachable})
	m := newManager(t, p, fastOptions())

	task, err := m.Reconcile("c", models.StateRunning, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	<-task.Done()
	if st, err := task.Result(); err != nil || st != models.StateRunning {
		t.Fatalf("expected Running, got %s %v", st, err)
	}
	if task.Attempts() != 1 {
		t.Fatalf("expected retries to stay within one attempt, got %d", task.Attempts())
	}
	if p.count("describe") != 4 {
		t.Fatalf("expected 4 describe calls, got %d", p.count("describe"))
	}
}

func TestConsecutivePollFailuresAbort(t *testing.T) {
	p := newFakeProvider()
	p.set("c", models.StateProvisioning)
	for i := 0; i < 12; i++ {
		p.inject("describe", fault{err: errUnreachable})
	}
	m := newManager(t, p, fastOptions())

	task, err := m.Reconcile("c", models.StateRunning, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	<-task.Done()
	_, err = task.Result()
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if task.Attempts() != 3 || p.count("describe") != 12 {
		t.Fatalf("expected 3 attempts and 12 calls, got %d and %d", task.Attempts(), p.count("describe"))
	}
	if _, err := m.Reconcile("c", models.StateRunning, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("token not released: %v", err)
	}
}

func TestCloseStopsReconciliations(t *testing.T) {
	p := newFakeProvider()
	p.settleAfter = 1000
	m, err := New(context.Background(), p, fastOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := issue(m, "c", models.VerbCreate); err != nil {
		t.Fatalf("issue: %v", err)
	}
	m.Close()

	if _, err := m.AwaitTerminal(context.Background(), "c", time.Second); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected interrupted reconciliation to report ErrTimeout, got %v", err)
	}
	if _, err := issue(m, "c", models.VerbDescribe); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
