package eventbridge

import (
	"testing"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := engine.Notice{SessionID: "alpha", Operation: "classify"}
	second := engine.Notice{SessionID: "alpha", Operation: "delegate"}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe("alpha")
	defer sub.Close()
	got1 := <-sub.Notices
	if got1.Operation != first.Operation {
		t.Fatalf("expected first buffered notice, got %s", got1.Operation)
	}
	got2 := <-sub.Notices
	if got2.Operation != second.Operation {
		t.Fatalf("expected second buffered notice, got %s", got2.Operation)
	}
}

func TestRouterWildcardReceivesEverySession(t *testing.T) {
	router := NewRouter()
	all := router.Subscribe(AllSessions)
	defer all.Close()
	router.Notify(engine.Notice{SessionID: "alpha", Operation: "finish"})
	router.Notify(engine.Notice{SessionID: "beta", Operation: "finish"})
	if len(all.Notices) != 2 {
		t.Fatalf("expected 2 notices on wildcard, got %d", len(all.Notices))
	}
	beta := router.Subscribe("beta")
	defer beta.Close()
	if got := <-beta.Notices; got.SessionID != "beta" {
		t.Fatalf("expected buffered beta notice, got %s", got.SessionID)
	}
}

func TestRouterDropsOldestPreferredNoticeOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	waiting := engine.Notice{SessionID: "alpha", Operation: "finish", Outcome: engine.OutcomeWaiting}
	terminal := engine.Notice{SessionID: "alpha", Operation: "finish", Outcome: engine.OutcomeTerminated, Action: engine.ActionTerminate}
	router.Route(waiting)
	router.Route(terminal)
	if got := <-sub.Notices; got.Outcome != engine.OutcomeTerminated {
		t.Fatalf("expected terminal notice to replace oldest, got %s", got.Outcome)
	}
}

func TestRouterDropsIncomingWhenOldestCritical(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	complete := engine.Notice{SessionID: "alpha", Operation: "finish", Action: engine.ActionComplete}
	waiting := engine.Notice{SessionID: "alpha", Operation: "finish", Outcome: engine.OutcomeWaiting}
	router.Route(complete)
	router.Route(waiting)
	if got := <-sub.Notices; got.Action != engine.ActionComplete {
		t.Fatalf("expected critical notice to remain, got %+v", got)
	}
	select {
	case <-sub.Notices:
		t.Fatalf("unexpected extra notice")
	default:
	}
}

func TestRouterCloseStopsDelivery(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("alpha")
	sub.Close()
	router.Route(engine.Notice{SessionID: "alpha", Operation: "next"})
	if _, ok := <-sub.Notices; ok {
		t.Fatalf("expected closed channel")
	}
}
