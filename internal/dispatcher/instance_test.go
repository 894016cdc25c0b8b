package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/instance"
)

type fakeCatalog struct {
	favourites []FavouriteModel
}

func (c *fakeCatalog) Favourites() []FavouriteModel { return c.favourites }
func (c *fakeCatalog) CallbackData(provider, model string) string {
	return "sm:" + provider + ":" + model
}

func newTestDispatcherWithModels(m *fakeManager, r *fakeRouter, models ModelCatalog) *Dispatcher {
	d := newTestDispatcher(m, r)
	d.models = models
	return d
}

func TestHandleInstanceWithNoBoundInstanceFallsThrough(t *testing.T) {
	d := newTestDispatcher(newFakeManager(), newFakeRouter())
	_, ok := d.HandleInstance(context.Background(), "sessions", "", 1, nil)
	if ok {
		t.Fatalf("expected no bound instance to fall through unhandled")
	}
}

func TestHandleInstanceModelsRendersFavouriteKeyboard(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running, DisplayName: "demo"}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	catalog := &fakeCatalog{favourites: []FavouriteModel{{Provider: "anthropic", Model: "claude"}}}
	d := newTestDispatcherWithModels(m, r, catalog)

	resp, ok := d.HandleInstance(context.Background(), "models", "", 1, nil)
	if !ok {
		t.Fatalf("expected /models to be handled")
	}
	if len(resp.Keyboard) != 1 {
		t.Fatalf("expected one keyboard row per favourite, got %d", len(resp.Keyboard))
	}
	if resp.Keyboard[0][0].CallbackData != "sm:anthropic:claude" {
		t.Fatalf("unexpected callback data: %q", resp.Keyboard[0][0].CallbackData)
	}
}

func TestHandleInstanceModelsWithNoFavourites(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := newTestDispatcherWithModels(m, r, &fakeCatalog{})

	resp, ok := d.HandleInstance(context.Background(), "models", "", 1, nil)
	if !ok || len(resp.Keyboard) != 0 {
		t.Fatalf("expected empty-favourites hint, got %+v ok=%v", resp, ok)
	}
}

func TestHandleInstanceDirectoryRendersLocally(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running, Directory: "/srv/app"}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := newTestDispatcher(m, r)

	resp, ok := d.HandleInstance(context.Background(), "directory", "", 1, nil)
	if !ok {
		t.Fatalf("expected /directory to be handled")
	}
	if resp.Text != "Directory: `/srv/app`" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
}

func TestHandleInstancePassThroughRequiresSessionWhenRouteIsSessionScoped(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := newTestDispatcher(m, r)

	resp, ok := d.HandleInstance(context.Background(), "diff", "", 1, nil)
	if !ok {
		t.Fatalf("expected /diff to be handled")
	}
	if resp.Text == "" {
		t.Fatalf("expected a hint about missing session")
	}
}

func TestHandleInstancePassThroughCallsAgentAndRendersBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/vcs" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		w.Write([]byte(`{"branch":"main"}`))
	}))
	defer srv.Close()

	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := New(Options{
		Manager: m,
		Router:  r,
		ClientFor: func(inst *instance.Instance) *agentclient.Client {
			return agentclient.New(srv.URL)
		},
	})

	resp, ok := d.HandleInstance(context.Background(), "vcs", "", 1, nil)
	if !ok {
		t.Fatalf("expected /vcs to be handled")
	}
	if resp.Text == "" {
		t.Fatalf("expected rendered body")
	}
}

func TestHandleInstanceUnknownCommandFallsThrough(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := newTestDispatcher(m, r)

	_, ok := d.HandleInstance(context.Background(), "notarealcommand", "", 1, nil)
	if ok {
		t.Fatalf("expected unknown instance command to fall through")
	}
}

func TestHandleTextTriesControllerThenInstanceScope(t *testing.T) {
	m := newFakeManager()
	m.instances["abc"] = &instance.Instance{ID: "abc", State: instance.Running, Directory: "/srv/app"}
	r := newFakeRouter()
	r.current[ctxKey(1, nil)] = "abc"
	d := newTestDispatcher(m, r)

	resp, ok := d.HandleText(context.Background(), "/directory", 1, nil)
	if !ok || resp.Text == "" {
		t.Fatalf("expected instance-scope command routed through HandleText")
	}

	resp, ok = d.HandleText(context.Background(), "/status", 1, nil)
	if !ok || resp.Text == "" {
		t.Fatalf("expected controller-scope command routed through HandleText")
	}

	_, ok = d.HandleText(context.Background(), "just chatting", 1, nil)
	if ok {
		t.Fatalf("expected plain text to fall through HandleText")
	}
}

func Test_instanceRoutesCoverAllInstanceCommandsExceptLocallyHandled(t *testing.T) {
	locallyHandled := map[string]bool{
		"models": true, "directory": true, "project": true, "pending": true, "health": true,
	}
	for cmd := range InstanceCommands() {
		if locallyHandled[cmd] {
			continue
		}
		if _, ok := instanceRoutes[cmd]; !ok {
			t.Fatalf("instance command %q has neither a local handler nor a route", cmd)
		}
	}
}
