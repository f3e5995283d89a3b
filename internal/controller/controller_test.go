package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/portalloc"
)

func newTestController(t *testing.T) (*Controller, *fakeAgentStore, *fakeTemplateStore) {
	t.Helper()
	agents := newFakeAgentStore()
	templates := newFakeTemplateStore()
	alloc, err := portalloc.New(agents, 3001, 3100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	c := New(Config{}, agents, templates, fakeEventStore{}, alloc, zap.NewNop())
	return c, agents, templates
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	c, _, _ := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}

	if _, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{"model":"gpt-4"}`}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{"model":"gpt-4"}`})
	if !errors.Is(err, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	c, _, _ := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}

	_, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{}`})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCreateMergesTemplateConfigUserWins(t *testing.T) {
	c, _, templates := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}

	tplID := uuid.New()
	templates.rows[tplID] = templateFixture(tplID, `{"model":"gpt-3.5","temperature":0.2}`)

	agent, err := c.Create(context.Background(), owner, CreateRequest{
		Name:       "agent-a",
		Config:     `{"model":"gpt-4"}`,
		TemplateID: &tplID,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cfg, err := ValidateConfig(agent.Config)
	if err != nil {
		t.Fatalf("ValidateConfig on stored config: %v", err)
	}
	if cfg["model"] != "gpt-4" {
		t.Fatalf("expected user model to win, got %v", cfg["model"])
	}
	if cfg["temperature"] != 0.2 {
		t.Fatalf("expected template temperature to survive merge, got %v", cfg["temperature"])
	}
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	c, agents, _ := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}

	agent, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{"model":"gpt-4"}`})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	row := agents.rows[agent.ID]
	row.Status = StatusRunning
	agents.rows[agent.ID] = row

	newDesc := "updated"
	_, err = c.Update(context.Background(), owner, agent.ID, UpdateRequest{Description: &newDesc})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestNonOwnerCannotAccessAgent(t *testing.T) {
	c, _, _ := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}
	stranger := Principal{UserID: uuid.New(), Role: "operator"}

	agent, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{"model":"gpt-4"}`})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := c.Get(context.Background(), stranger, agent.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := c.Get(context.Background(), Principal{Role: "admin"}, agent.ID); err != nil {
		t.Fatalf("expected admin to bypass ownership check, got %v", err)
	}
}

func TestDeleteRejectedWhileNotStoppedOrError(t *testing.T) {
	c, agents, _ := newTestController(t)
	owner := Principal{UserID: uuid.New(), Role: "operator"}

	agent, err := c.Create(context.Background(), owner, CreateRequest{Name: "agent-a", Config: `{"model":"gpt-4"}`})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	row := agents.rows[agent.ID]
	row.Status = StatusStarting
	agents.rows[agent.ID] = row

	if err := c.Delete(context.Background(), owner, agent.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func templateFixture(id uuid.UUID, config string) db.AgentTemplate {
	t := db.AgentTemplate{Name: "default", Config: config, IsActive: true}
	t.ID = id
	return t
}
