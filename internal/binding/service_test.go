package binding

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/catalog"
	"github.com/nikhilbhutani/dataintegration/internal/database/dbtest"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
)

type ownerDirectory map[uuid.UUID]uuid.UUID

func (d ownerDirectory) BusinessOwns(_ context.Context, agentID, businessID uuid.UUID) (bool, error) {
	return d[agentID] == businessID, nil
}

func TestParseAgentID(t *testing.T) {
	id := uuid.New()
	got, err := ParseAgentID(" " + id.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, raw := range []string{"", "agent-7", uuid.Nil.String()} {
		_, err := ParseAgentID(raw)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), raw)
		assert.Equal(t, "agent_id", apperr.FieldOf(err))
	}
}

func TestNormalizeConfig(t *testing.T) {
	out, err := normalizeConfig(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))

	out, err = normalizeConfig(json.RawMessage(`{"greeting": "hi", "max_results": 3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting": "hi", "max_results": 3}`, string(out))

	_, err = normalizeConfig(json.RawMessage(`"text"`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestService_BindLifecycle(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	business, agent := uuid.New(), uuid.New()
	dbs := catalog.NewService(pool, vectorstore.NewMemoryStore(), storage.NewMemoryStorage(), nil, audit.Nop{})
	db, err := dbs.Create(ctx, business, catalog.CreateInput{Name: "faq"})
	require.NoError(t, err)

	svc := NewService(pool, dbs, ownerDirectory{agent: business}, audit.Nop{})

	config := `{"tone": "warm",  "a": [1, 2]}`
	b, created, err := svc.Bind(ctx, business, db.ID, agent.String(), json.RawMessage(config))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, b.IsActive)
	assert.Equal(t, config, string(b.BindingConfig))
	require.NoError(t, svc.Authorize(ctx, business, agent, db.ID))

	again, created, err := svc.Bind(ctx, business, db.ID, agent.String(), json.RawMessage(`{"tone": "curt"}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, b.ID, again.ID)
	assert.Equal(t, config, string(again.BindingConfig))

	ids, err := svc.BoundDatabaseIDs(ctx, business, agent)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{db.ID}, ids)

	list, err := svc.List(ctx, business, db.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Unbind(ctx, business, b.ID))
	err = svc.Authorize(ctx, business, agent, db.ID)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	err = svc.Unbind(ctx, business, b.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_BindRejectsForeignResources(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	business, other := uuid.New(), uuid.New()
	agent, foreignAgent := uuid.New(), uuid.New()
	dbs := catalog.NewService(pool, vectorstore.NewMemoryStore(), storage.NewMemoryStorage(), nil, audit.Nop{})
	db, err := dbs.Create(ctx, business, catalog.CreateInput{Name: "orders"})
	require.NoError(t, err)

	svc := NewService(pool, dbs, ownerDirectory{agent: business, foreignAgent: other}, audit.Nop{})

	_, _, err = svc.Bind(ctx, other, db.ID, agent.String(), nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, _, err = svc.Bind(ctx, business, db.ID, foreignAgent.String(), nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = svc.Authorize(ctx, business, foreignAgent, db.ID)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}
